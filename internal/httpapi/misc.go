package httpapi

import (
	"net/http"

	"auctus/internal/types"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.catalog.Statistics(r.Context())
	if err != nil {
		s.log.Errorw("statistics failed", "error", err)
		sendFailure(w, err)
		return
	}
	sendJSON(w, http.StatusOK, stats)
}

// metadataResponse wraps a catalog document with its indexing status.
type metadataResponse struct {
	ID       string                 `json:"id"`
	Status   string                 `json:"status"`
	Metadata *types.DatasetMetadata `json:"metadata"`
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	meta, err := s.catalog.GetDataset(r.Context(), id)
	if err != nil {
		sendFailure(w, err)
		return
	}
	scrubMetadata(meta)
	sendJSON(w, http.StatusOK, metadataResponse{ID: id, Status: "indexed", Metadata: meta})
}

// scrubMetadata removes ingestion-internal fields a client must never
// see, such as error details recorded by a failed profiling attempt.
func scrubMetadata(meta *types.DatasetMetadata) {
	delete(meta.Materialize.Extra, "error_details")
}

// locationResponse is the geocoder passthrough result.
type locationResponse struct {
	Results []locationResult `json:"results"`
}

type locationResult struct {
	Name        string          `json:"name"`
	Latitude    float64         `json:"latitude"`
	Longitude   float64         `json:"longitude"`
	BoundingBox *types.Envelope `json:"boundingbox,omitempty"`
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	if s.geocoder == nil {
		sendError(w, http.StatusServiceUnavailable, "geocoder not configured")
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		sendError(w, http.StatusBadRequest, "missing q parameter")
		return
	}
	place, err := s.geocoder.Lookup(r.Context(), q)
	if err != nil {
		s.log.Warnw("geocoder lookup failed", "query", q, "error", err)
		sendError(w, http.StatusBadGateway, "geocoder unavailable")
		return
	}
	resp := locationResponse{Results: []locationResult{}}
	if place != nil {
		resp.Results = append(resp.Results, locationResult{
			Name:        place.Name,
			Latitude:    place.Lat,
			Longitude:   place.Lon,
			BoundingBox: place.BoundingBox,
		})
	}
	sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSessionNew(w http.ResponseWriter, r *http.Request) {
	id, err := s.sessions.NewSession(r.Context())
	if err != nil {
		s.log.Errorw("session create failed", "error", err)
		sendFailure(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{
		"session_id": id,
		"link_url":   "/session/" + id,
	})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	results, err := s.sessions.Results(r.Context(), r.PathValue("id"))
	if err != nil {
		sendFailure(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{"results": results})
}
