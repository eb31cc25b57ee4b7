package session

import "errors"

// ErrNotFound reports an unknown or expired session id or profile
// token.
var ErrNotFound = errors.New("session: not found")
