package convert

import (
	"bufio"
	"encoding/csv"
	"io"
	"os"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"auctus/internal/types"
)

// Apply runs a recorded conversion chain against the file at path and
// returns the canonical CSV path. Each op reads its input and writes a
// fresh sibling file; intermediate files are removed. The input file is
// never modified.
//
// Determinism matters here: the same input and chain must produce
// byte-equal output on every run, because derived artifacts are cached
// under content hashes.
func Apply(path string, ops []types.ConversionOp) (string, error) {
	current := path
	for _, op := range ops {
		next, err := applyOp(current, op)
		if err != nil {
			if current != path {
				os.Remove(current)
			}
			return "", err
		}
		if current != path {
			os.Remove(current)
		}
		current = next
	}
	out, err := canonicalize(current)
	if err != nil {
		if current != path {
			os.Remove(current)
		}
		return "", err
	}
	if out != current && current != path {
		os.Remove(current)
	}
	return out, nil
}

// applyOp dispatches one conversion op. Output is always a new file.
func applyOp(path string, op types.ConversionOp) (string, error) {
	switch op.Identifier {
	case types.ConvertXLSX:
		return convertXLSX(path)
	case types.ConvertXLS:
		return convertXLS(path)
	case types.ConvertParquet:
		return convertParquet(path)
	case types.ConvertStata:
		return "", materializerErrorf("stata: unsupported container (no converter in this build)")
	case types.ConvertSPSS:
		return "", materializerErrorf("spss: unsupported container (no converter in this build)")
	case types.ConvertTSV:
		sep := ','
		if op.Separator != "" {
			sep, _ = decodeRune(op.Separator)
		}
		return rewriteDelimited(path, sep)
	case types.ConvertSkipRows:
		return skipRows(path, op.NbRows)
	case types.ConvertPivot:
		return pivotMelt(path, op.ExceptColumns, op.DateLabel)
	default:
		return "", materializerErrorf("unknown conversion op %q", op.Identifier)
	}
}

func decodeRune(s string) (rune, int) {
	return utf8.DecodeRuneInString(s)
}

// sibling returns a deterministic output path next to the input.
func sibling(path, suffix string) string {
	return path + "." + suffix
}

// newOutput opens a buffered CSV writer onto a fresh sibling file.
func newOutput(path, suffix string) (*os.File, *bufio.Writer, *csv.Writer, string, error) {
	out := sibling(path, suffix)
	f, err := os.Create(out)
	if err != nil {
		return nil, nil, nil, "", err
	}
	bw := bufio.NewWriterSize(f, 128<<10)
	return f, bw, csv.NewWriter(bw), out, nil
}

func closeOutput(f *os.File, bw *bufio.Writer, cw *csv.Writer) error {
	cw.Flush()
	if err := cw.Error(); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// rewriteDelimited re-encodes a file with an arbitrary separator as a
// comma CSV. Non-UTF-8 input is decoded as latin-1 on the way through.
func rewriteDelimited(path string, sep rune) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer in.Close()

	r := csv.NewReader(maybeLatin1(in))
	r.Comma = sep
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	f, bw, cw, out, err := newOutput(path, "csv")
	if err != nil {
		return "", err
	}

	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			f.Close()
			os.Remove(out)
			return "", wrapMaterializer("tsv: parse", err)
		}
		if err := cw.Write(rec); err != nil {
			f.Close()
			os.Remove(out)
			return "", err
		}
	}
	if err := closeOutput(f, bw, cw); err != nil {
		os.Remove(out)
		return "", err
	}
	return out, nil
}

// skipRows drops the first n physical lines of the file.
func skipRows(path string, n int) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out := sibling(path, "skip")
	f, err := os.Create(out)
	if err != nil {
		return "", err
	}
	bw := bufio.NewWriterSize(f, 128<<10)

	sc := bufio.NewScanner(maybeLatin1(in))
	sc.Buffer(make([]byte, 1<<20), 16<<20)
	line := 0
	for sc.Scan() {
		line++
		if line <= n {
			continue
		}
		bw.Write(sc.Bytes())
		bw.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		f.Close()
		os.Remove(out)
		return "", err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		os.Remove(out)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(out)
		return "", err
	}
	return out, nil
}

// pivotMelt un-pivots a wide layout: every column not in except becomes
// a (dateLabel, value) row pair. A header of
//
//	region, 2010, 2011, 2012
//
// melts to columns region, year, value with one output row per input
// row and year.
func pivotMelt(path string, except []int, dateLabel string) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer in.Close()

	r := csv.NewReader(maybeLatin1(in))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err != nil {
		return "", wrapMaterializer("pivot: read header", err)
	}

	exceptSet := make(map[int]bool, len(except))
	for _, i := range except {
		exceptSet[i] = true
	}
	var valueCols []int
	for i := range header {
		if !exceptSet[i] {
			valueCols = append(valueCols, i)
		}
	}
	if len(valueCols) == 0 {
		return "", materializerErrorf("pivot: no value columns")
	}
	if dateLabel == "" {
		dateLabel = "date"
	}

	f, bw, cw, out, err := newOutput(path, "melt")
	if err != nil {
		return "", err
	}

	outHeader := make([]string, 0, len(except)+2)
	for _, i := range except {
		if i < len(header) {
			outHeader = append(outHeader, header[i])
		}
	}
	outHeader = append(outHeader, dateLabel, "value")
	if err := cw.Write(outHeader); err != nil {
		f.Close()
		os.Remove(out)
		return "", err
	}

	row := make([]string, len(outHeader))
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			f.Close()
			os.Remove(out)
			return "", wrapMaterializer("pivot: parse", err)
		}
		for _, vc := range valueCols {
			k := 0
			for _, i := range except {
				if i < len(rec) {
					row[k] = rec[i]
				} else {
					row[k] = ""
				}
				k++
			}
			row[k] = header[vc]
			k++
			if vc < len(rec) {
				row[k] = rec[vc]
			} else {
				row[k] = ""
			}
			if err := cw.Write(row); err != nil {
				f.Close()
				os.Remove(out)
				return "", err
			}
		}
	}
	if err := closeOutput(f, bw, cw); err != nil {
		os.Remove(out)
		return "", err
	}
	return out, nil
}

// canonicalize guarantees the final output is valid UTF-8, rewriting
// through a latin-1 decode when it is not. Both the profiling path and
// the materialization path finish through here, which keeps the two
// byte-equal.
func canonicalize(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}

	valid := true
	chunk := make([]byte, 64<<10)
	var carry []byte
	for {
		n, rerr := f.Read(chunk)
		if n > 0 {
			buf := append(carry, chunk[:n]...)
			// A rune may straddle the chunk boundary; hold the partial
			// tail back for the next round.
			cut := len(buf) - trailingPartial(buf)
			if !utf8.Valid(buf[:cut]) {
				valid = false
				break
			}
			carry = append(carry[:0], buf[cut:]...)
		}
		if rerr != nil {
			if len(carry) > 0 {
				valid = false
			}
			break
		}
	}
	f.Close()

	if valid {
		return path, nil
	}

	in, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out := sibling(path, "utf8")
	o, err := os.Create(out)
	if err != nil {
		return "", err
	}
	bw := bufio.NewWriterSize(o, 128<<10)
	if _, err := io.Copy(bw, charmap.ISO8859_1.NewDecoder().Reader(in)); err != nil {
		o.Close()
		os.Remove(out)
		return "", err
	}
	if err := bw.Flush(); err != nil {
		o.Close()
		os.Remove(out)
		return "", err
	}
	if err := o.Close(); err != nil {
		os.Remove(out)
		return "", err
	}
	return out, nil
}

// trailingPartial returns how many bytes at the end of b belong to an
// incomplete (truncated) UTF-8 rune, or 0 if the tail is complete or
// simply invalid.
func trailingPartial(b []byte) int {
	for i := 1; i <= utf8.UTFMax && i <= len(b); i++ {
		c := b[len(b)-i]
		if !utf8.RuneStart(c) {
			continue
		}
		var want int
		switch {
		case c < 0x80:
			want = 1
		case c&0xE0 == 0xC0:
			want = 2
		case c&0xF0 == 0xE0:
			want = 3
		case c&0xF8 == 0xF0:
			want = 4
		default:
			return 0 // invalid start byte, not a truncation
		}
		if want > i {
			return i
		}
		return 0
	}
	return 0
}

// decodeLatin1 decodes b as ISO 8859-1. Cannot fail: every byte maps.
func decodeLatin1(b []byte) []byte {
	out, _ := charmap.ISO8859_1.NewDecoder().Bytes(b)
	return out
}

// maybeLatin1 wraps r so that invalid UTF-8 bytes decode as latin-1.
// UTF-8 input passes through unchanged because every valid UTF-8
// stream decodes to itself under this wrapper's sniffing.
func maybeLatin1(r io.Reader) io.Reader {
	return &latin1Fallback{src: bufio.NewReaderSize(r, 128<<10)}
}

// latin1Fallback sniffs the first buffer; if it is valid UTF-8 it
// passes bytes through, otherwise it decodes latin-1.
type latin1Fallback struct {
	src     *bufio.Reader
	decided bool
	wrapped io.Reader
}

func (l *latin1Fallback) Read(p []byte) (int, error) {
	if !l.decided {
		peek, _ := l.src.Peek(64 << 10)
		if utf8.Valid(peek) || len(peek) == 0 || incompleteTail(peek) {
			l.wrapped = l.src
		} else {
			l.wrapped = charmap.ISO8859_1.NewDecoder().Reader(l.src)
		}
		l.decided = true
	}
	return l.wrapped.Read(p)
}

// incompleteTail reports whether peek fails validation only because it
// ends mid-rune.
func incompleteTail(peek []byte) bool {
	n := trailingPartial(peek)
	return n > 0 && utf8.Valid(peek[:len(peek)-n])
}
