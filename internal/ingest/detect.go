package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// Format is the detected layout of an input file
type Format string

const (
	// FormatDelimited is a header line followed by comma-delimited values
	FormatDelimited Format = "csv"
	// FormatPseudo is the "timestamp,Key:value,..." line format
	FormatPseudo Format = "kv"
	// FormatParquet is a Parquet file in the export schema
	FormatParquet Format = "parquet"
)

const detectSampleLines = 5

var (
	utf8BOM      = []byte{0xEF, 0xBB, 0xBF}
	parquetMagic = []byte("PAR1")
	pseudoPair   = regexp.MustCompile(`^\s*(Near|Medium|Far|Battery|BeaconID)\s*:`)
	salvageNames = []string{FieldTimestamp, FieldNear, FieldMedium, FieldFar, FieldBattery}
	headerNames  = map[string]struct{}{
		"timestamp": {}, "time": {}, "date": {},
		FieldNear: {}, FieldMedium: {}, FieldFar: {}, FieldBattery: {},
	}
)

// ParserOptions toggles the tolerant parsing paths
type ParserOptions struct {
	// RelaxedQuotes retries a row with lazy quote handling after a strict failure
	RelaxedQuotes bool
	// Salvage rebuilds a row by positional comma split when tokenizing fails
	Salvage bool
}

// Parser detects the input format and tokenizes it into raw rows
type Parser struct {
	options ParserOptions
	logger  *zap.Logger
}

// NewParser creates a parser
func NewParser(options ParserOptions, logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{options: options, logger: logger}
}

// DetectFormat inspects the content first and the extension second. Lines carrying
// Key:value pairs after the first comma are pseudo-CSV regardless of extension; a
// .txt file without a recognizable header is pseudo-CSV too.
func DetectFormat(content []byte, filename string) Format {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == ".parquet" || bytes.HasPrefix(content, parquetMagic) {
		return FormatParquet
	}

	lines := splitLines(normalizeLineEndings(string(bytes.TrimPrefix(content, utf8BOM))))
	for i, line := range lines {
		if i >= detectSampleLines {
			break
		}
		if isPseudoLine(line) {
			return FormatPseudo
		}
	}

	if ext == ".txt" && (len(lines) == 0 || !isHeaderLine(lines[0])) {
		return FormatPseudo
	}

	return FormatDelimited
}

// ParseFile tokenizes content into raw rows with lower-cased, trimmed field names
func (p *Parser) ParseFile(content []byte, filename string) ([]RawRow, Format, error) {
	format := DetectFormat(content, filename)

	switch format {
	case FormatParquet:
		rows, err := readParquet(content)
		return rows, format, err
	case FormatPseudo:
		return p.parsePseudo(content), format, nil
	default:
		return p.parseDelimited(content), format, nil
	}
}

func (p *Parser) parsePseudo(content []byte) []RawRow {
	lines := splitLines(normalizeLineEndings(string(bytes.TrimPrefix(content, utf8BOM))))
	first := 1
	if len(lines) > 0 && !isPseudoLine(lines[0]) {
		p.logger.Debug("Discarding title line", zap.String("line", lines[0]))
		lines = lines[1:]
		first = 2
	}

	rows := make([]RawRow, 0, len(lines))
	for i, line := range lines {
		rows = append(rows, RawRow{
			Line:   i + first,
			Index:  i + 1,
			Fields: ReadPseudoLine(line),
		})
	}
	return rows
}

func (p *Parser) parseDelimited(content []byte) []RawRow {
	lines := splitLines(CleanDelimited(string(content)))
	if len(lines) == 0 {
		return nil
	}

	header := p.readHeader(lines[0])
	p.logger.Debug("CSV header detected", zap.Strings("columns", header))

	rows := make([]RawRow, 0, len(lines)-1)
	for i, line := range lines[1:] {
		row := RawRow{Line: i + 2, Index: i + 1}

		record, err := p.tokenize(line)
		switch {
		case err == nil:
			for j, name := range header {
				if name == "" || j >= len(record) {
					continue
				}
				row.Fields = append(row.Fields, Field{Name: name, Value: record[j]})
			}
		case p.options.Salvage:
			p.logger.Debug("Salvaging row after parse error",
				zap.Int("line", row.Line),
				zap.Error(err))
			row.Salvaged = true
			row.Err = err.Error()
			for j, part := range strings.Split(line, ",") {
				if j >= len(salvageNames) {
					break
				}
				row.Fields = append(row.Fields, Field{Name: salvageNames[j], Value: part})
			}
		default:
			row.Unusable = true
			row.Err = err.Error()
		}

		rows = append(rows, row)
	}
	return rows
}

func (p *Parser) readHeader(line string) []string {
	record, err := p.tokenize(line)
	if err != nil {
		record = strings.Split(line, ",")
	}

	header := make([]string, len(record))
	for i, name := range record {
		header[i] = strings.ToLower(strings.TrimSpace(name))
	}
	return header
}

// tokenize reads one line with strict quoting, then lazily if relaxed quotes are on
func (p *Parser) tokenize(line string) ([]string, error) {
	record, err := readRecord(line, false)
	if err == nil || !p.options.RelaxedQuotes {
		return record, err
	}
	return readRecord(line, true)
}

func readRecord(line string, lazy bool) ([]string, error) {
	reader := csv.NewReader(strings.NewReader(line))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = lazy

	record, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("empty record")
	}
	return record, err
}

// CleanDelimited strips a BOM, normalizes line endings, turns newlines inside quoted
// fields into spaces and drops blank lines. A field is quoted only when it opens with a
// quote that is closed later; a stray quote inside a field leaves line breaks alone.
func CleanDelimited(content string) string {
	content = strings.TrimPrefix(content, string(utf8BOM))
	content = normalizeLineEndings(content)

	var b strings.Builder
	b.Grow(len(content))
	fieldStart := true
	for i := 0; i < len(content); i++ {
		c := content[i]
		if c == '"' && fieldStart {
			if end := closingQuote(content, i+1); end > 0 {
				b.WriteString(strings.ReplaceAll(content[i:end+1], "\n", " "))
				i = end
				fieldStart = false
				continue
			}
		}
		b.WriteByte(c)
		switch c {
		case ',', '\n':
			fieldStart = true
		case ' ', '\t':
		default:
			fieldStart = false
		}
	}

	return strings.Join(splitLines(b.String()), "\n")
}

// closingQuote returns the index of the quote ending a quoted field opened before from,
// skipping doubled quotes, or -1 when the field is never closed
func closingQuote(content string, from int) int {
	for j := from; j < len(content); j++ {
		if content[j] != '"' {
			continue
		}
		if j+1 < len(content) && content[j+1] == '"' {
			j++
			continue
		}
		return j
	}
	return -1
}

func normalizeLineEndings(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	return strings.ReplaceAll(content, "\r", "\n")
}

// splitLines returns the non-blank lines
func splitLines(content string) []string {
	var lines []string
	for _, line := range strings.Split(content, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func isPseudoLine(line string) bool {
	_, rest, found := strings.Cut(line, ",")
	if !found {
		return false
	}
	for _, piece := range strings.Split(rest, ",") {
		if pseudoPair.MatchString(piece) {
			return true
		}
	}
	return false
}

func isHeaderLine(line string) bool {
	for _, name := range strings.Split(line, ",") {
		name = strings.ToLower(strings.Trim(strings.TrimSpace(name), `"`))
		if _, ok := headerNames[name]; ok {
			return true
		}
	}
	return false
}
