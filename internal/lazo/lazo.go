// Package lazo is the client for the external MinHash sketch service.
// The service stores one sketch per (dataset, column) and answers
// containment queries used by textual join search.
package lazo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"auctus/internal/types"
)

const defaultTimeout = 30 * time.Second

// Client talks to one sketch service instance.
type Client struct {
	base   string
	client *http.Client
}

// New builds a client for the service at base (e.g. "http://lazo:50051").
func New(base string) *Client {
	return &Client{
		base:   base,
		client: &http.Client{Timeout: defaultTimeout},
	}
}

// Candidate is one containment-query hit.
type Candidate struct {
	DatasetID  string  `json:"dataset_id"`
	ColumnName string  `json:"column_name"`
	Score      float64 `json:"score"`
}

type sketchRequest struct {
	DatasetID  string   `json:"dataset_id,omitempty"`
	ColumnName string   `json:"column_name,omitempty"`
	Values     []string `json:"values"`
}

// Sketch computes a sketch for a value set without storing it. It
// satisfies profile.Sketcher.
func (c *Client) Sketch(ctx context.Context, values []string) (*types.LazoSketch, error) {
	var out types.LazoSketch
	err := c.post(ctx, "/sketch", sketchRequest{Values: values}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Index stores the sketch of one column under (datasetID, column) and
// returns it.
func (c *Client) Index(ctx context.Context, datasetID, column string, values []string) (*types.LazoSketch, error) {
	var out types.LazoSketch
	err := c.post(ctx, "/index", sketchRequest{
		DatasetID:  datasetID,
		ColumnName: column,
		Values:     values,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Query returns the stored columns whose value sets likely contain the
// given values, with containment scores.
func (c *Client) Query(ctx context.Context, values []string) ([]Candidate, error) {
	var out []Candidate
	err := c.post(ctx, "/query", sketchRequest{Values: values}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes every sketch stored for a dataset.
func (c *Client) Delete(ctx context.Context, datasetID string) error {
	u := c.base + "/dataset/" + url.PathEscape(datasetID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("lazo: delete %s: status %d", datasetID, resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("lazo: %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
