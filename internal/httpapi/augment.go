package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"os"

	"auctus/internal/augment"
	"auctus/internal/cache"
	"auctus/internal/materialize"
	"auctus/internal/profile"
	"auctus/internal/session"
	"auctus/internal/types"
)

// handleAugment executes one augmentation: the task names the catalog
// dataset and the column pairing; the query side arrives as uploaded
// bytes or a previous upload's token.
func (s *Server) handleAugment(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		sendError(w, http.StatusBadRequest, "expected multipart form data")
		return
	}
	defer r.MultipartForm.RemoveAll()
	ctx := r.Context()

	var task types.SearchResult
	taskJSON := formPart(r, "task")
	if taskJSON == "" {
		sendError(w, http.StatusBadRequest, "missing task")
		return
	}
	if err := json.Unmarshal([]byte(taskJSON), &task); err != nil || task.ID == "" {
		sendError(w, http.StatusBadRequest, "bad task JSON")
		return
	}

	var columns []string
	if c := r.FormValue("columns"); c != "" {
		if err := json.Unmarshal([]byte(c), &columns); err != nil {
			sendError(w, http.StatusBadRequest, "bad columns JSON")
			return
		}
	}

	token, queryMeta, err := s.augmentInput(ctx, r)
	if err != nil {
		sendFailure(w, err)
		return
	}

	result, info, err := s.runAugmentation(ctx, token, queryMeta, &task, columns)
	if err != nil {
		if !augment.IsAugmentationError(err) {
			s.log.Errorw("augmentation failed", "dataset", task.ID, "error", err)
		}
		sendFailure(w, err)
		return
	}
	resultMeta := augment.ResultMetadata(result, queryMeta, &task.Metadata)

	format, options, err := formatParams(r.URL.Query())
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	if sid := r.FormValue("session_id"); sid != "" {
		s.attachAugmentResult(ctx, w, sid, token, &task, columns, result, resultMeta, info)
		return
	}

	setDownloadHeaders(w, task.ID, format)
	writer, err := materialize.NewWriter(format, w, options)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := augment.WriteResult(result, task.ID, resultMeta, info, writer); err != nil {
		s.log.Errorw("augment stream failed", "dataset", task.ID, "error", err)
	}
}

// augmentInput resolves the query-side data to an upload token and its
// profiled metadata.
func (s *Server) augmentInput(ctx context.Context, r *http.Request) (string, *types.DatasetMetadata, error) {
	if data, _, err := r.FormFile("data"); err == nil {
		defer data.Close()
		resp, err := s.profileUpload(ctx, data)
		if err != nil {
			return "", nil, err
		}
		return resp.Token, resp.Metadata, nil
	}

	token := r.FormValue("data_id")
	if !session.IsToken(token) {
		return "", nil, badRequestf("missing data file or data_id token")
	}
	if body, err := s.sessions.Profile(ctx, token); err == nil {
		var resp profileResponse
		if err := json.Unmarshal(body, &resp); err == nil && resp.Metadata != nil {
			return token, resp.Metadata, nil
		}
	}

	// Token known but profile expired: re-profile the cached upload.
	entry, err := s.uploadEntry(token)
	if err != nil {
		return "", nil, err
	}
	defer entry.Close()
	meta := &types.DatasetMetadata{}
	if err := profile.Profile(ctx, entry.Path(), meta, s.profileOpts); err != nil {
		return "", nil, err
	}
	return token, meta, nil
}

// runAugmentation materializes both sides and runs the join or union.
func (s *Server) runAugmentation(ctx context.Context, token string, queryMeta *types.DatasetMetadata, task *types.SearchResult, columns []string) (*augment.Table, augment.Info, error) {
	queryEntry, err := s.uploadEntry(token)
	if err != nil {
		return nil, augment.Info{}, err
	}
	defer queryEntry.Close()

	catEntry, err := s.mat.GetCSV(ctx, task.ID, &task.Metadata.Materialize, materialize.Options{})
	if err != nil {
		return nil, augment.Info{}, err
	}
	defer catEntry.Close()

	queryTable, err := loadTableFile(queryEntry.Path(), queryMeta)
	if err != nil {
		return nil, augment.Info{}, err
	}
	catTable, err := loadTableFile(catEntry.Path(), &task.Metadata)
	if err != nil {
		return nil, augment.Info{}, err
	}

	result, info, err := augment.Run(queryTable, catTable, &task.Augmentation)
	if err != nil {
		return nil, augment.Info{}, err
	}
	augment.RestrictNewColumns(result, &info, columns)
	return result, info, nil
}

// attachAugmentResult stores the augmented CSV in the aug cache and
// links it to the session instead of streaming it back.
func (s *Server) attachAugmentResult(ctx context.Context, w http.ResponseWriter, sid, token string, task *types.SearchResult, columns []string, result *augment.Table, resultMeta *types.DatasetMetadata, info augment.Info) {
	key, err := types.HashJSON(map[string]any{
		"task":    task,
		"data":    token,
		"columns": columns,
	})
	if err != nil {
		sendFailure(w, err)
		return
	}
	create := func(tmpPath string) error {
		f, err := os.Create(tmpPath)
		if err != nil {
			return err
		}
		werr := augment.WriteResult(result, task.ID, resultMeta, info, materialize.NewCSVWriter(f))
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		return werr
	}
	entry, err := cache.GetOrSet(ctx, s.augDir, key, create, cache.Options{})
	if err != nil {
		sendFailure(w, err)
		return
	}
	entry.Close()

	link := session.Result{Type: task.Augmentation.Type, URL: "/augment/result/" + key}
	if err := s.sessions.AddResult(ctx, sid, link); err != nil {
		sendFailure(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{"key": key})
}

// handleAugmentResult streams a session-attached augmentation result.
func (s *Server) handleAugmentResult(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	// Keys are 40-hex hashes; anything else never names a cache entry.
	if !session.IsToken(key) {
		sendError(w, http.StatusNotFound, "not found")
		return
	}
	entry, err := cache.Get(s.augDir, key)
	if err != nil {
		sendFailure(w, err)
		return
	}
	if entry == nil {
		sendError(w, http.StatusNotFound, "not found")
		return
	}
	defer entry.Close()

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	http.ServeFile(w, r, entry.Path())
}

func loadTableFile(path string, meta *types.DatasetMetadata) (*augment.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return augment.LoadTable(f, meta)
}
