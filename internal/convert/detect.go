// Package convert identifies the physical format of a dataset's raw
// bytes and rewrites them into a canonical CSV, recording each step as
// a conversion op on the materialization descriptor.
//
// The recorded chain is the contract with materialization: re-applying
// it to the same input must yield byte-equal output, because cached
// artifacts are keyed on content hashes.
package convert

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/araddon/dateparse"

	"auctus/internal/types"
)

const (
	// sampleMinBytes is the minimum text sample the sniffer wants;
	// sampleMaxBytes caps it for very wide single-line files.
	sampleMinBytes = 64 << 10
	sampleMaxBytes = 5 << 20

	// pivotHeaderRatio is the fraction of header cells that must look
	// like dates (or bare years) before the table is treated as pivoted.
	pivotHeaderRatio = 0.80
)

var delimiterCandidates = []rune{',', '\t', ';', '|'}

// DetectAndConvert sniffs the format of the file at path, appends the
// detected conversion ops to mat.Convert, applies them, and returns the
// path of the canonical CSV (a sibling file; the input is left alone).
//
// Detection steps run in order and can stack: a TSV with banner rows
// and pivoted year columns records three ops. A recognized binary
// container that fails to parse is a MaterializerError, never a silent
// fallthrough to text sniffing.
func DetectAndConvert(path string, mat *types.Materialization) (string, error) {
	magic, err := readMagic(path)
	if err != nil {
		return "", err
	}

	var ops []types.ConversionOp

	switch {
	case isXLSX(path, magic):
		ops = append(ops, types.ConversionOp{Identifier: types.ConvertXLSX})
	case isOLE(magic):
		ops = append(ops, types.ConversionOp{Identifier: types.ConvertXLS})
	case isParquet(magic):
		ops = append(ops, types.ConversionOp{Identifier: types.ConvertParquet})
	case isStata(magic):
		ops = append(ops, types.ConversionOp{Identifier: types.ConvertStata})
	case isSPSS(magic):
		ops = append(ops, types.ConversionOp{Identifier: types.ConvertSPSS})
	}

	// Binary containers convert to text first; the text heuristics then
	// run on the converted output.
	current := path
	if len(ops) > 0 {
		current, err = applyOp(current, ops[0])
		if err != nil {
			return "", err
		}
	}

	textOps, err := detectTextOps(current)
	if err != nil {
		return "", err
	}
	for _, op := range textOps {
		next, err := applyOp(current, op)
		if err != nil {
			return "", err
		}
		if current != path {
			os.Remove(current)
		}
		current = next
		ops = append(ops, op)
	}

	mat.Convert = append(mat.Convert, ops...)

	out, err := canonicalize(current)
	if err != nil {
		return "", err
	}
	if out != current && current != path {
		os.Remove(current)
	}
	return out, nil
}

// detectTextOps runs the text-level heuristics (delimiter, banner rows,
// pivot) on a text file and returns the ops to record, in application
// order.
func detectTextOps(path string) ([]types.ConversionOp, error) {
	sample, err := readTextSample(path)
	if err != nil {
		return nil, err
	}
	if len(sample) == 0 {
		return nil, materializerErrorf("empty input")
	}

	var ops []types.ConversionOp

	sep := sniffDelimiter(sample)
	if sep != ',' && sep != 0 {
		ops = append(ops, types.ConversionOp{
			Identifier: types.ConvertTSV,
			Separator:  string(sep),
		})
	}
	if sep == 0 {
		sep = ','
	}

	lines := sampleLines(sample)
	if len(lines) < 3 {
		return nil, materializerErrorf("not tabular: %d line(s) in sample", len(lines))
	}

	skip := countBannerRows(lines, sep)
	if skip > 0 {
		ops = append(ops, types.ConversionOp{
			Identifier: types.ConvertSkipRows,
			NbRows:     skip,
		})
		lines = lines[skip:]
	}

	if op, ok := detectPivot(lines, sep); ok {
		ops = append(ops, op)
	}

	return ops, nil
}

// ---------------------------------------------------------------------------
// magic-byte detection
// ---------------------------------------------------------------------------

func readMagic(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

var oleMagic = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}

// isXLSX checks for a ZIP container holding an xl/ tree. A plain ZIP
// without xl/ entries is not an Excel workbook.
func isXLSX(path string, magic []byte) bool {
	if !bytes.HasPrefix(magic, []byte("PK\x03\x04")) {
		return false
	}
	zr, err := zip.OpenReader(path)
	if err != nil {
		return false
	}
	defer zr.Close()
	for _, f := range zr.File {
		if strings.HasPrefix(f.Name, "xl/") {
			return true
		}
	}
	return false
}

func isOLE(magic []byte) bool {
	return bytes.HasPrefix(magic, oleMagic)
}

func isParquet(magic []byte) bool {
	return bytes.HasPrefix(magic, []byte("PAR1"))
}

func isStata(magic []byte) bool {
	if bytes.HasPrefix(magic, []byte("<stata_dta>")) {
		return true
	}
	// Pre-117 .dta: version byte, then byteorder 0x01/0x02, then 0x01.
	return len(magic) >= 3 &&
		magic[0] >= 104 && magic[0] <= 115 &&
		(magic[1] == 0x01 || magic[1] == 0x02) &&
		magic[2] == 0x01
}

func isSPSS(magic []byte) bool {
	return bytes.HasPrefix(magic, []byte("$FL2")) || bytes.HasPrefix(magic, []byte("$FL3"))
}

// ---------------------------------------------------------------------------
// text heuristics
// ---------------------------------------------------------------------------

// readTextSample reads at least sampleMinBytes and at least 3 lines (up
// to sampleMaxBytes) from the start of the file, cut to the last full
// line. Non-UTF-8 input is decoded as latin-1 so the heuristics see
// sane runes.
func readTextSample(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, 0, sampleMinBytes)
	chunk := make([]byte, 64<<10)
	for {
		n, rerr := f.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, rerr
		}
		if len(buf) >= sampleMinBytes && bytes.Count(buf, []byte{'\n'}) >= 3 {
			break
		}
		if len(buf) >= sampleMaxBytes {
			break
		}
	}

	// Cut at last newline to avoid a half record, unless the whole file
	// fit in the sample.
	if len(buf) == sampleMaxBytes || len(buf) >= sampleMinBytes {
		if i := bytes.LastIndexByte(buf, '\n'); i > 0 {
			buf = buf[:i+1]
		}
	}
	if !utf8.Valid(buf) {
		buf = decodeLatin1(buf)
	}
	return buf, nil
}

func sampleLines(sample []byte) []string {
	raw := strings.Split(strings.ReplaceAll(string(sample), "\r\n", "\n"), "\n")
	out := raw[:0]
	for _, l := range raw {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}

// sniffDelimiter picks the field delimiter whose per-line count is
// non-zero and most consistent across the sampled lines. Comma wins
// ties so plain CSV never records an op.
func sniffDelimiter(sample []byte) rune {
	lines := sampleLines(sample)
	if len(lines) < 2 {
		return 0
	}
	if len(lines) > 40 {
		lines = lines[:40]
	}

	best := rune(0)
	bestScore := -1.0
	for _, cand := range delimiterCandidates {
		counts := make([]int, 0, len(lines))
		for _, l := range lines {
			counts = append(counts, strings.Count(l, string(cand)))
		}
		// Mode of the counts and how dominant it is.
		freq := map[int]int{}
		for _, c := range counts {
			freq[c]++
		}
		mode, modeN := 0, 0
		for c, n := range freq {
			if n > modeN {
				mode, modeN = c, n
			}
		}
		if mode == 0 {
			continue
		}
		score := float64(modeN) / float64(len(counts))
		// Prefer comma on equal consistency.
		if score > bestScore || (score == bestScore && cand == ',') {
			best, bestScore = cand, score
		}
	}
	return best
}

// countBannerRows counts leading lines that do not share the table's
// dominant field count: titles, notes, blank-ish padding exported above
// real data.
func countBannerRows(lines []string, sep rune) int {
	if len(lines) < 3 {
		return 0
	}
	fieldCounts := make([]int, len(lines))
	freq := map[int]int{}
	for i, l := range lines {
		fieldCounts[i] = countFields(l, sep)
		if i > 0 { // the mode should reflect the body, not the banner
			freq[fieldCounts[i]]++
		}
	}
	mode, modeN := 0, 0
	for c, n := range freq {
		if n > modeN || (n == modeN && c > mode) {
			mode, modeN = c, n
		}
	}
	if mode < 2 {
		return 0
	}
	skip := 0
	for skip < len(lines) && fieldCounts[skip] != mode {
		skip++
	}
	if skip >= len(lines) {
		return 0
	}
	return skip
}

func countFields(line string, sep rune) int {
	r := csv.NewReader(strings.NewReader(line))
	r.Comma = sep
	r.LazyQuotes = true
	rec, err := r.Read()
	if err != nil {
		return 1 + strings.Count(line, string(sep))
	}
	return len(rec)
}

// yearRangeRe matches headers like "2019-2020". Per the recorded
// decision these are neither dates nor years for pivot purposes.
var yearRangeRe = regexp.MustCompile(`^\d{4}\s*[-/]\s*\d{4}$`)

var yearRe = regexp.MustCompile(`^\d{4}$`)

// detectPivot inspects the header row: if it has at least 3 columns and
// at least 80% of the names are dates or plausible 4-digit years, the
// table is a pivoted layout and an op enumerating the non-date columns
// is recorded.
func detectPivot(lines []string, sep rune) (types.ConversionOp, bool) {
	if len(lines) == 0 {
		return types.ConversionOp{}, false
	}
	r := csv.NewReader(strings.NewReader(lines[0]))
	r.Comma = sep
	r.LazyQuotes = true
	header, err := r.Read()
	if err != nil || len(header) < 3 {
		return types.ConversionOp{}, false
	}

	var except []int
	dates, years := 0, 0
	for i, name := range header {
		switch classifyPivotHeader(name) {
		case pivotHeaderDate:
			dates++
		case pivotHeaderYear:
			years++
		default:
			except = append(except, i)
		}
	}

	n := len(header)
	matched := dates + years
	if float64(matched) < pivotHeaderRatio*float64(n) {
		return types.ConversionOp{}, false
	}

	label := "date"
	if years >= dates {
		label = "year"
	}
	return types.ConversionOp{
		Identifier:    types.ConvertPivot,
		ExceptColumns: except,
		DateLabel:     label,
	}, true
}

type pivotHeaderKind int

const (
	pivotHeaderOther pivotHeaderKind = iota
	pivotHeaderDate
	pivotHeaderYear
)

func classifyPivotHeader(name string) pivotHeaderKind {
	name = strings.TrimSpace(name)
	if name == "" || yearRangeRe.MatchString(name) {
		return pivotHeaderOther
	}
	if yearRe.MatchString(name) {
		y, _ := strconv.Atoi(name)
		if y >= 1900 && y <= time.Now().Year()+2 {
			return pivotHeaderYear
		}
		return pivotHeaderOther
	}
	// Require a digit before paying for a full date parse; bare month
	// names like "May" are real column names more often than dates.
	if !strings.ContainsAny(name, "0123456789") {
		return pivotHeaderOther
	}
	if _, err := dateparse.ParseStrict(name); err == nil {
		return pivotHeaderDate
	}
	return pivotHeaderOther
}
