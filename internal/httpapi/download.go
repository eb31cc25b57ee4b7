package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"strings"

	"auctus/internal/materialize"
	"auctus/internal/session"
	"auctus/internal/types"
)

func (s *Server) handleDownloadGet(w http.ResponseWriter, r *http.Request) {
	meta, err := s.catalog.GetDataset(r.Context(), r.PathValue("id"))
	if err != nil {
		sendFailure(w, err)
		return
	}
	meta.ID = r.PathValue("id")
	s.serveDataset(w, r, meta)
}

// handleDownloadPost accepts a task document instead of a path id: the
// JSON body (or the task multipart field) carries {id, metadata?}.
// With a session_id the download link is attached to the session
// instead of streamed.
func (s *Server) handleDownloadPost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var task struct {
		ID       string                 `json:"id"`
		Metadata *types.DatasetMetadata `json:"metadata"`
	}
	contentType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case contentType == "application/json":
		if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
			sendError(w, http.StatusBadRequest, "bad task JSON")
			return
		}
	case strings.HasPrefix(contentType, "multipart/"):
		if err := r.ParseMultipartForm(maxFormMemory); err != nil {
			sendError(w, http.StatusBadRequest, "bad multipart form")
			return
		}
		defer r.MultipartForm.RemoveAll()
		if err := json.Unmarshal([]byte(formPart(r, "task")), &task); err != nil {
			sendError(w, http.StatusBadRequest, "bad task JSON")
			return
		}
	default:
		sendError(w, http.StatusBadRequest, "unsupported content type")
		return
	}
	if task.ID == "" {
		sendError(w, http.StatusBadRequest, "task is missing an id")
		return
	}

	meta := task.Metadata
	if meta == nil || len(meta.Columns) == 0 {
		var err error
		meta, err = s.catalog.GetDataset(ctx, task.ID)
		if err != nil {
			sendFailure(w, err)
			return
		}
	}
	meta.ID = task.ID

	if sid := r.FormValue("session_id"); sid != "" {
		link := session.Result{
			Type: "download",
			URL:  "/download/" + url.PathEscape(task.ID) + "?" + r.URL.RawQuery,
		}
		if err := s.sessions.AddResult(ctx, sid, link); err != nil {
			sendFailure(w, err)
			return
		}
		sendJSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	}
	s.serveDataset(w, r, meta)
}

// serveDataset streams a dataset in the requested format, or redirects
// a plain CSV request to the recorded direct URL.
func (s *Server) serveDataset(w http.ResponseWriter, r *http.Request, meta *types.DatasetMetadata) {
	format, options, err := formatParams(r.URL.Query())
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	if format == "csv" && len(options) == 0 {
		if direct := materialize.DirectURL(&meta.Materialize); direct != "" {
			http.Redirect(w, r, direct, http.StatusFound)
			return
		}
	}

	entry, err := s.mat.GetCSV(r.Context(), meta.ID, &meta.Materialize, materialize.Options{})
	if err != nil {
		s.log.Errorw("materialization failed", "dataset", meta.ID, "error", err)
		sendFailure(w, err)
		return
	}
	defer entry.Close()

	setDownloadHeaders(w, meta.ID, format)
	writer, err := materialize.NewWriter(format, w, options)
	if err != nil {
		// Validated above; only reachable on a writer bug.
		sendError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := streamCSV(entry.Path(), meta, writer); err != nil {
		s.log.Errorw("download stream failed", "dataset", meta.ID, "error", err)
	}
}

// streamCSV pushes a canonical CSV file through a format writer.
func streamCSV(path string, meta *types.DatasetMetadata, w materialize.Writer) error {
	if err := w.SetMetadata(meta.ID, meta); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	out, err := w.OpenFile("learningData.csv")
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, f); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return w.Finish()
}

// formatParams extracts the writer selection from query parameters:
// format names the writer, format_<opt> its options. Unknown formats
// and options are client errors.
func formatParams(q url.Values) (string, map[string]string, error) {
	format := q.Get("format")
	if format == "" {
		format = "csv"
	}
	if !materialize.ValidFormat(format) {
		return "", nil, fmt.Errorf("unknown format %q", format)
	}
	options := map[string]string{}
	for key, vals := range q {
		if !strings.HasPrefix(key, "format_") || len(vals) == 0 {
			continue
		}
		options[strings.TrimPrefix(key, "format_")] = vals[0]
	}
	// A throwaway writer validates the options before any byte is sent.
	if _, err := materialize.NewWriter(format, discardWriter{}, options); err != nil {
		return "", nil, fmt.Errorf("bad format options: %v", err)
	}
	if len(options) == 0 {
		options = nil
	}
	return format, options, nil
}

func setDownloadHeaders(w http.ResponseWriter, id, format string) {
	switch format {
	case "bundle":
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".zip"))
	default:
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".csv"))
	}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
