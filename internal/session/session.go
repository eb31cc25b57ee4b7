// Package session keeps short-lived API state in Redis: download
// sessions that collect result links, and profile tokens pointing at
// cached upload profiles.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionTTL = 24 * time.Hour
	profileTTL = 8 * time.Hour
)

// tokenRe is the shape of a profile token: SHA-1 of the uploaded
// bytes, lowercase hex.
var tokenRe = regexp.MustCompile(`^[0-9a-f]{40}$`)

// IsToken reports whether s looks like a profile token.
func IsToken(s string) bool {
	return tokenRe.MatchString(s)
}

// HashUpload computes the profile token for uploaded bytes while
// copying them to dst.
func HashUpload(dst io.Writer, src io.Reader) (string, int64, error) {
	h := sha1.New()
	n, err := io.Copy(io.MultiWriter(dst, h), src)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Result is one entry attached to a session.
type Result struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// Store holds sessions and profile tokens.
type Store struct {
	rdb *redis.Client
}

// New connects to Redis at addr.
func New(addr string) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{Addr: addr})}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping verifies the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// NewSession creates an empty session and returns its id.
func (s *Store) NewSession(ctx context.Context) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	id := hex.EncodeToString(buf)
	key := sessionKey(id)
	// An empty marker makes a fresh session distinguishable from an
	// unknown id.
	if err := s.rdb.RPush(ctx, key, "").Err(); err != nil {
		return "", fmt.Errorf("session: create: %w", err)
	}
	if err := s.rdb.Expire(ctx, key, sessionTTL).Err(); err != nil {
		return "", fmt.Errorf("session: expire: %w", err)
	}
	return id, nil
}

// AddResult attaches one result link to a session.
func (s *Store) AddResult(ctx context.Context, id string, r Result) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	key := sessionKey(id)
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("session: check %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	if err := s.rdb.RPush(ctx, key, body).Err(); err != nil {
		return fmt.Errorf("session: append %s: %w", id, err)
	}
	return s.rdb.Expire(ctx, key, sessionTTL).Err()
}

// Results lists the links attached to a session.
func (s *Store) Results(ctx context.Context, id string) ([]Result, error) {
	values, err := s.rdb.LRange(ctx, sessionKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("session: read %s: %w", id, err)
	}
	if len(values) == 0 {
		return nil, ErrNotFound
	}
	out := make([]Result, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		var r Result
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			return nil, fmt.Errorf("session: decode %s: %w", id, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// StoreProfile caches the profile JSON for an upload token.
func (s *Store) StoreProfile(ctx context.Context, token string, profile []byte) error {
	if !IsToken(token) {
		return fmt.Errorf("session: bad profile token %q", token)
	}
	return s.rdb.Set(ctx, profileKey(token), profile, profileTTL).Err()
}

// Profile returns the cached profile JSON for a token, or ErrNotFound
// when it expired or never existed.
func (s *Store) Profile(ctx context.Context, token string) ([]byte, error) {
	b, err := s.rdb.Get(ctx, profileKey(token)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: profile %s: %w", token, err)
	}
	return b, nil
}

func sessionKey(id string) string    { return "session:" + id }
func profileKey(token string) string { return "profile:" + token }
