package types

import (
	"encoding/json"
	"testing"
)

func TestMaterializationRoundTrip(t *testing.T) {
	t.Parallel()

	in := []byte(`{
		"identifier": "url.socrata",
		"date": "2024-01-02T00:00:00Z",
		"direct_url": "https://example.org/d.csv",
		"convert": [{"identifier": "tsv", "separator": "\t"}],
		"socrata_id": "abcd-1234",
		"domain": "data.example.org"
	}`)

	var m Materialization
	if err := json.Unmarshal(in, &m); err != nil {
		t.Fatal(err)
	}
	if m.Identifier != "url.socrata" || m.DirectURL != "https://example.org/d.csv" {
		t.Errorf("known fields = %+v", m)
	}
	if len(m.Convert) != 1 || m.Convert[0].Separator != "\t" {
		t.Errorf("convert = %+v", m.Convert)
	}
	if m.Extra["socrata_id"] != "abcd-1234" || m.Extra["domain"] != "data.example.org" {
		t.Errorf("extra = %+v", m.Extra)
	}

	out, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	var again Materialization
	if err := json.Unmarshal(out, &again); err != nil {
		t.Fatal(err)
	}
	if again.Extra["socrata_id"] != "abcd-1234" {
		t.Errorf("extra lost on round trip: %+v", again.Extra)
	}
}

func TestCoarserResolution(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b, want string
	}{
		{ResolutionSecond, ResolutionDay, ResolutionDay},
		{ResolutionYear, ResolutionMonth, ResolutionYear},
		{ResolutionHour, ResolutionHour, ResolutionHour},
		{"", ResolutionWeek, ResolutionWeek},
		{ResolutionWeek, "", ResolutionWeek},
		{"", "", ""},
	}
	for _, tt := range tests {
		if got := CoarserResolution(tt.a, tt.b); got != tt.want {
			t.Errorf("CoarserResolution(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}
