package types

import "encoding/json"

// Materialization descriptors carry source-specific fields (connection
// strings, API identifiers) the core does not model. They round-trip
// through the Extra map so re-publishing a descriptor loses nothing.

var materializationKnown = map[string]bool{
	"identifier": true,
	"date":       true,
	"direct_url": true,
	"convert":    true,
}

type materializationWire struct {
	Identifier string         `json:"identifier"`
	Date       string         `json:"date,omitempty"`
	DirectURL  string         `json:"direct_url,omitempty"`
	Convert    []ConversionOp `json:"convert,omitempty"`
}

func (m Materialization) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	for k, v := range m.Extra {
		if !materializationKnown[k] {
			out[k] = v
		}
	}
	out["identifier"] = m.Identifier
	if m.Date != "" {
		out["date"] = m.Date
	}
	if m.DirectURL != "" {
		out["direct_url"] = m.DirectURL
	}
	if len(m.Convert) > 0 {
		out["convert"] = m.Convert
	}
	return json.Marshal(out)
}

func (m *Materialization) UnmarshalJSON(data []byte) error {
	var wire materializationWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Identifier = wire.Identifier
	m.Date = wire.Date
	m.DirectURL = wire.DirectURL
	m.Convert = wire.Convert
	m.Extra = nil
	for k, v := range raw {
		if materializationKnown[k] {
			continue
		}
		var value any
		if err := json.Unmarshal(v, &value); err != nil {
			return err
		}
		if m.Extra == nil {
			m.Extra = map[string]any{}
		}
		m.Extra[k] = value
	}
	return nil
}
