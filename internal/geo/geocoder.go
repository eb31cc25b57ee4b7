package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"auctus/internal/profile"
	"auctus/internal/types"
)

const (
	geocodeTimeout = 10 * time.Second

	// geocodeMaxAddresses caps how many distinct values one profiling
	// run may send to the geocoder.
	geocodeMaxAddresses = 100
)

// Geocoder is a client for a Nominatim-compatible geocoding service.
type Geocoder struct {
	base   string
	client *http.Client
}

// NewGeocoder builds a client for the service at base (e.g.
// "http://nominatim:8080").
func NewGeocoder(base string) *Geocoder {
	return &Geocoder{
		base:   base,
		client: &http.Client{Timeout: geocodeTimeout},
	}
}

// Place is one geocoding result.
type Place struct {
	Name        string
	Lat         float64
	Lon         float64
	BoundingBox *types.Envelope
}

type nominatimResult struct {
	DisplayName string   `json:"display_name"`
	Lat         string   `json:"lat"`
	Lon         string   `json:"lon"`
	BoundingBox []string `json:"boundingbox"`
}

// Lookup geocodes one query and returns the top result, or nil when the
// service knows nothing about it.
func (g *Geocoder) Lookup(ctx context.Context, query string) (*Place, error) {
	u := fmt.Sprintf("%s/search?format=jsonv2&limit=1&q=%s", g.base, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geocoder: status %d", resp.StatusCode)
	}

	var results []nominatimResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("geocoder: decode: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	return placeFromResult(results[0])
}

// Geocode resolves a batch of addresses; misses are dropped. It
// satisfies profile.Geocoder.
func (g *Geocoder) Geocode(ctx context.Context, addresses []string) ([]profile.GeoPoint, error) {
	if len(addresses) > geocodeMaxAddresses {
		addresses = addresses[:geocodeMaxAddresses]
	}
	var out []profile.GeoPoint
	for _, addr := range addresses {
		p, err := g.Lookup(ctx, addr)
		if err != nil {
			return out, err
		}
		if p == nil {
			continue
		}
		out = append(out, profile.GeoPoint{Lat: p.Lat, Lon: p.Lon})
	}
	return out, nil
}

func placeFromResult(r nominatimResult) (*Place, error) {
	lat, err := strconv.ParseFloat(r.Lat, 64)
	if err != nil {
		return nil, fmt.Errorf("geocoder: bad latitude %q", r.Lat)
	}
	lon, err := strconv.ParseFloat(r.Lon, 64)
	if err != nil {
		return nil, fmt.Errorf("geocoder: bad longitude %q", r.Lon)
	}
	p := &Place{Name: r.DisplayName, Lat: lat, Lon: lon}

	// Nominatim bounding boxes are [minLat, maxLat, minLon, maxLon].
	if len(r.BoundingBox) == 4 {
		minLat, e1 := strconv.ParseFloat(r.BoundingBox[0], 64)
		maxLat, e2 := strconv.ParseFloat(r.BoundingBox[1], 64)
		minLon, e3 := strconv.ParseFloat(r.BoundingBox[2], 64)
		maxLon, e4 := strconv.ParseFloat(r.BoundingBox[3], 64)
		if e1 == nil && e2 == nil && e3 == nil && e4 == nil {
			env := types.NewEnvelope(minLon, maxLat, maxLon, minLat)
			p.BoundingBox = &env
		}
	}
	return p, nil
}
