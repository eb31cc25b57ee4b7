package materialize

import (
	"bytes"
	"fmt"
	"io"

	"auctus/internal/types"
)

// Writer receives a materialized dataset and decides its on-disk (or
// on-wire) shape. Callers open the data file, stream rows into it,
// close it, attach metadata, and Finish.
type Writer interface {
	OpenFile(name string) (io.WriteCloser, error)
	SetMetadata(id string, meta *types.DatasetMetadata) error
	Finish() error
}

// writerNames maps the format parameter of a download request to a
// writer constructor.
var writerNames = map[string]bool{
	"csv":    true,
	"bundle": true,
}

// ValidFormat reports whether name selects a known writer.
func ValidFormat(name string) bool {
	return writerNames[name]
}

// NewWriter builds the writer for a format name over dst. Options the
// format does not understand are client errors.
func NewWriter(format string, dst io.Writer, options map[string]string) (Writer, error) {
	switch format {
	case "csv":
		if len(options) > 0 {
			return nil, fmt.Errorf("materialize: csv format takes no options")
		}
		return NewCSVWriter(dst), nil
	case "bundle":
		needIndex := false
		for k, v := range options {
			if k != "need_index" {
				return nil, fmt.Errorf("materialize: unknown bundle option %q", k)
			}
			needIndex = v == "true" || v == "1"
		}
		return NewBundleWriter(dst, BundleOptions{NeedIndex: needIndex}), nil
	default:
		return nil, fmt.Errorf("materialize: unknown format %q", format)
	}
}

// CSVWriter emits a single RFC 4180 file: UTF-8, CRLF line endings.
type CSVWriter struct {
	dst    io.Writer
	opened bool
}

// NewCSVWriter builds a CSV writer over dst.
func NewCSVWriter(dst io.Writer) *CSVWriter {
	return &CSVWriter{dst: dst}
}

// OpenFile returns the output stream. Only one file is supported.
func (w *CSVWriter) OpenFile(string) (io.WriteCloser, error) {
	if w.opened {
		return nil, fmt.Errorf("materialize: csv writer holds a single file")
	}
	w.opened = true
	return &crlfWriter{dst: w.dst}, nil
}

// SetMetadata is a no-op; a bare CSV has nowhere to put it.
func (w *CSVWriter) SetMetadata(string, *types.DatasetMetadata) error { return nil }

// Finish completes the write.
func (w *CSVWriter) Finish() error { return nil }

// crlfWriter normalizes bare LF line endings to CRLF on the way out.
// Input produced by encoding/csv never contains stray CRs mid-field
// followed by LF, so the check against doubling is a simple look-back.
type crlfWriter struct {
	dst      io.Writer
	lastByte byte
}

func (w *crlfWriter) Write(p []byte) (int, error) {
	var buf bytes.Buffer
	buf.Grow(len(p) + len(p)/16)
	last := w.lastByte
	for _, b := range p {
		if b == '\n' && last != '\r' {
			buf.WriteByte('\r')
		}
		buf.WriteByte(b)
		last = b
	}
	w.lastByte = last
	if _, err := w.dst.Write(buf.Bytes()); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *crlfWriter) Close() error { return nil }
