package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"auctus/internal/profile"
	"auctus/internal/search"
	"auctus/internal/session"
	"auctus/internal/types"
)

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	page, size, err := pagination(r)
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	req := search.Request{Page: page, Size: size}
	contentType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case contentType == "application/json":
		if err := json.NewDecoder(r.Body).Decode(&req.Query); err != nil {
			sendError(w, http.StatusBadRequest, "bad query JSON")
			return
		}
	case contentType == "text/csv":
		meta, values, err := s.profileData(ctx, r.Body)
		if err != nil {
			sendFailure(w, err)
			return
		}
		req.Profile = meta
		req.TextValues = values
	case strings.HasPrefix(contentType, "multipart/"):
		if err := r.ParseMultipartForm(maxFormMemory); err != nil {
			sendError(w, http.StatusBadRequest, "bad multipart form")
			return
		}
		defer r.MultipartForm.RemoveAll()
		if err := s.fillSearchRequest(ctx, r, &req); err != nil {
			sendFailure(w, err)
			return
		}
	default:
		sendError(w, http.StatusBadRequest, "unsupported content type")
		return
	}

	resp, err := s.search.Search(ctx, req)
	if err != nil {
		s.log.Errorw("search failed", "error", err)
		sendFailure(w, err)
		return
	}
	sendJSON(w, http.StatusOK, resp)
}

// fillSearchRequest resolves the multipart fields: query JSON plus at
// most one of data, data_profile, data_id.
func (s *Server) fillSearchRequest(ctx context.Context, r *http.Request, req *search.Request) error {
	if q := formPart(r, "query"); q != "" {
		if err := json.Unmarshal([]byte(q), &req.Query); err != nil {
			return badRequestf("bad query JSON")
		}
	}

	provided := 0
	if data, _, err := r.FormFile("data"); err == nil {
		defer data.Close()
		provided++
		meta, values, err := s.profileData(ctx, data)
		if err != nil {
			return err
		}
		req.Profile = meta
		req.TextValues = values
	}
	if p := formPart(r, "data_profile"); p != "" {
		provided++
		req.Profile = &types.DatasetMetadata{}
		if err := json.Unmarshal([]byte(p), req.Profile); err != nil {
			return badRequestf("bad data_profile JSON")
		}
	}
	if id := r.FormValue("data_id"); id != "" {
		provided++
		meta, ignore, err := s.resolveDataID(ctx, id)
		if err != nil {
			return err
		}
		req.Profile = meta
		req.Query.IgnoreDataset = ignore
	}
	if provided > 1 {
		return badRequestf("provide at most one of data, data_profile, data_id")
	}
	return nil
}

// resolveDataID turns a data_id into a profile: a 40-hex token looks up
// a cached upload profile, anything else a catalog dataset (which is
// then excluded from its own results).
func (s *Server) resolveDataID(ctx context.Context, id string) (*types.DatasetMetadata, string, error) {
	if session.IsToken(id) {
		body, err := s.sessions.Profile(ctx, id)
		if err != nil {
			return nil, "", err
		}
		var resp profileResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, "", err
		}
		return resp.Metadata, "", nil
	}
	meta, err := s.catalog.GetDataset(ctx, id)
	if err != nil {
		return nil, "", err
	}
	return meta, id, nil
}

// profileData caches and profiles inline query data, and collects the
// raw values of its textual columns for sketch-based join candidates.
func (s *Server) profileData(ctx context.Context, data io.Reader) (*types.DatasetMetadata, map[int][]string, error) {
	resp, err := s.profileUpload(ctx, data)
	if err != nil {
		return nil, nil, err
	}
	entry, err := s.uploadEntry(resp.Token)
	if err != nil {
		return resp.Metadata, nil, nil
	}
	defer entry.Close()

	tbl, err := profile.Load(entry.Path(), s.profileOpts.LoadMaxSize)
	if err != nil {
		return resp.Metadata, nil, nil
	}
	values := map[int][]string{}
	for i, col := range resp.Metadata.Columns {
		if col.StructuralType != types.TypeText || i >= len(tbl.Columns) {
			continue
		}
		values[i] = tbl.Columns[i]
	}
	return resp.Metadata, values, nil
}

// formPart reads a named multipart field that may arrive as either a
// value or a small file.
func formPart(r *http.Request, name string) string {
	if v := r.FormValue(name); v != "" {
		return v
	}
	f, _, err := r.FormFile(name)
	if err != nil {
		return ""
	}
	defer f.Close()
	body, err := io.ReadAll(f)
	if err != nil {
		return ""
	}
	return string(body)
}

func pagination(r *http.Request) (page, size int, err error) {
	q := r.URL.Query()
	if v := q.Get("page"); v != "" {
		page, err = strconv.Atoi(v)
		if err != nil || page < 0 {
			return 0, 0, badRequestf("bad page %q", v)
		}
	}
	if v := q.Get("size"); v != "" {
		size, err = strconv.Atoi(v)
		if err != nil || size < 0 || size > 100 {
			return 0, 0, badRequestf("bad size %q", v)
		}
	}
	return page, size, nil
}

// badRequest is a client error surfaced with status 400.
type badRequest struct{ msg string }

func (e *badRequest) Error() string { return e.msg }

func badRequestf(format string, args ...any) error {
	return &badRequest{msg: fmt.Sprintf(format, args...)}
}
