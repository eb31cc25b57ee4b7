package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"

	"auctus/internal/cache"
	"auctus/internal/profile"
	"auctus/internal/session"
	"auctus/internal/types"
)

// maxFormMemory bounds how much of a multipart body stays in memory;
// larger parts spill to disk.
const maxFormMemory = 32 << 20

// profileResponse is the body of POST /profile, also cached in Redis
// under the token.
type profileResponse struct {
	Token    string                 `json:"token"`
	Version  string                 `json:"version,omitempty"`
	Metadata *types.DatasetMetadata `json:"metadata"`
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		sendError(w, http.StatusBadRequest, "expected multipart form data")
		return
	}
	defer r.MultipartForm.RemoveAll()
	ctx := r.Context()

	// A bare token refers to a previous upload.
	if tok := r.FormValue("data"); session.IsToken(tok) {
		body, err := s.sessions.Profile(ctx, tok)
		if err != nil {
			sendFailure(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
		return
	}

	data, _, err := r.FormFile("data")
	if err != nil {
		sendError(w, http.StatusBadRequest, "missing data file")
		return
	}
	defer data.Close()

	resp, err := s.profileUpload(ctx, data)
	if err != nil {
		s.log.Errorw("profile upload failed", "error", err)
		sendFailure(w, err)
		return
	}
	sendJSON(w, http.StatusOK, resp)
}

// profileUpload caches the uploaded bytes under their token, profiles
// them (reusing a cached profile when the same bytes were seen before),
// and stores the result for later lookup.
func (s *Server) profileUpload(ctx context.Context, data io.Reader) (*profileResponse, error) {
	token, entry, err := s.cacheUpload(ctx, data)
	if err != nil {
		return nil, err
	}
	defer entry.Close()

	if body, err := s.sessions.Profile(ctx, token); err == nil {
		var resp profileResponse
		if err := json.Unmarshal(body, &resp); err == nil {
			return &resp, nil
		}
	} else if !errors.Is(err, session.ErrNotFound) {
		s.log.Warnw("profile lookup failed", "token", token, "error", err)
	}

	meta := &types.DatasetMetadata{}
	if err := profile.Profile(ctx, entry.Path(), meta, s.profileOpts); err != nil {
		return nil, err
	}
	resp := &profileResponse{Token: token, Version: s.version, Metadata: meta}

	body, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.StoreProfile(ctx, token, body); err != nil {
		s.log.Warnw("profile store failed", "token", token, "error", err)
	}
	return resp, nil
}

// cacheUpload copies an upload into the user-data cache keyed by its
// SHA-1 token and returns the entry under a shared lock.
func (s *Server) cacheUpload(ctx context.Context, data io.Reader) (string, *cache.Entry, error) {
	tmp, err := os.CreateTemp("", "upload-")
	if err != nil {
		return "", nil, err
	}
	defer os.Remove(tmp.Name())

	token, _, err := session.HashUpload(tmp, data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", nil, err
	}

	create := func(tmpPath string) error {
		src, err := os.Open(tmp.Name())
		if err != nil {
			return err
		}
		defer src.Close()
		dst, err := os.Create(tmpPath)
		if err != nil {
			return err
		}
		if _, err := io.Copy(dst, src); err != nil {
			dst.Close()
			return err
		}
		return dst.Close()
	}
	entry, err := cache.GetOrSet(ctx, s.userDir, token, create, cache.Options{})
	if err != nil {
		return "", nil, err
	}
	return token, entry, nil
}

// uploadEntry opens a previously cached upload read-only.
func (s *Server) uploadEntry(token string) (*cache.Entry, error) {
	entry, err := cache.Get(s.userDir, token)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, session.ErrNotFound
	}
	return entry, nil
}
