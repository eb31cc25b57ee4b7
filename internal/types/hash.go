package types

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
)

// HashJSON returns the 40-hex SHA-1 of the canonical JSON encoding of v.
// Canonical means map keys are sorted, so two structurally equal values
// always hash the same. Used for cache keys derived from structured
// inputs (task + options + format).
func HashJSON(v any) (string, error) {
	canon, err := canonicalize(v)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(canon)
	if err != nil {
		return "", err
	}
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalize round-trips v through encoding/json and rewrites every
// object as an ordered key/value list. encoding/json already emits map
// keys sorted, but structs keep declaration order, so the round trip is
// what makes hashing independent of field ordering.
func canonicalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal(b, &decoded); err != nil {
		return nil, err
	}
	return sortValue(decoded), nil
}

func sortValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, 0, len(keys)*2)
		for _, k := range keys {
			out = append(out, k, sortValue(t[k]))
		}
		return out
	case []any:
		for i := range t {
			t[i] = sortValue(t[i])
		}
		return t
	default:
		return v
	}
}

// HashFile returns the 40-hex SHA-1 of a file's bytes. This is the
// profile token format: sha1 of the canonical input bytes.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes returns the 40-hex SHA-1 of b.
func HashBytes(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}
