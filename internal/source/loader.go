package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

var (
	ErrSourceNotFound   = errors.New("source not found")
	ErrSourceUnreadable = errors.New("source unreadable")
	ErrHeaderNotFound   = errors.New("header not found")
)

// ProbeWindow is how many leading rows are searched for a header marker.
const ProbeWindow = 20

// Spec identifies one tabular export. A non-empty Marker selects content
// probing; otherwise HeaderRow is the zero-based header offset.
type Spec struct {
	ID        string
	File      string
	Equipment string
	HeaderRow int
	Marker    string
}

// Table is a raw tabular export: the header row and every row after it, in
// file order. Rows may be ragged.
type Table struct {
	Path   string
	Header []string
	Rows   [][]string
}

type Loader struct {
	dirs []string
}

func NewLoader(dirs []string) *Loader {
	return &Loader{dirs: dirs}
}

// Locate returns the first candidate directory holding file.
func (l *Loader) Locate(file string) (string, error) {
	if filepath.IsAbs(file) {
		if fileExists(file) {
			return file, nil
		}
		return "", fmt.Errorf("%w: %s", ErrSourceNotFound, file)
	}
	for _, dir := range l.dirs {
		p := filepath.Join(dir, file)
		if fileExists(p) {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s (searched %s)", ErrSourceNotFound, file, strings.Join(l.dirs, ", "))
}

func (l *Loader) Load(spec Spec) (Table, error) {
	path, err := l.Locate(spec.File)
	if err != nil {
		return Table{}, err
	}
	rows, err := readRows(path)
	if err != nil {
		return Table{}, err
	}
	idx, err := locateHeader(rows, spec)
	if err != nil {
		return Table{}, fmt.Errorf("%s: %w", path, err)
	}
	header := make([]string, len(rows[idx]))
	for i, h := range rows[idx] {
		header[i] = strings.TrimSpace(h)
	}
	return Table{Path: path, Header: header, Rows: rows[idx+1:]}, nil
}

// Records keys every row by header name, dropping rows whose first cell is
// empty and columns without a header.
func (t Table) Records() []map[string]string {
	out := make([]map[string]string, 0, len(t.Rows))
	for _, row := range t.Rows {
		if len(row) == 0 || strings.TrimSpace(row[0]) == "" {
			continue
		}
		rec := make(map[string]string, len(t.Header))
		for i, h := range t.Header {
			if h == "" {
				continue
			}
			if i < len(row) {
				rec[h] = strings.TrimSpace(row[i])
			} else {
				rec[h] = ""
			}
		}
		out = append(out, rec)
	}
	return out
}

func locateHeader(rows [][]string, spec Spec) (int, error) {
	if spec.Marker != "" {
		for i := 0; i < len(rows) && i < ProbeWindow; i++ {
			if len(rows[i]) > 0 && strings.TrimSpace(rows[i][0]) == spec.Marker {
				return i, nil
			}
		}
		return 0, fmt.Errorf("%w: marker %q not in first %d rows", ErrHeaderNotFound, spec.Marker, ProbeWindow)
	}
	if spec.HeaderRow < 0 || spec.HeaderRow >= len(rows) {
		return 0, fmt.Errorf("%w: header row %d beyond %d rows", ErrHeaderNotFound, spec.HeaderRow, len(rows))
	}
	return spec.HeaderRow, nil
}

func readRows(path string) ([][]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return readCSV(path)
	case ".xlsx", ".xlsm", ".xltx", ".xltm":
		return readWorkbook(path)
	default:
		return nil, fmt.Errorf("%w: %s: unsupported extension", ErrSourceUnreadable, path)
	}
}

func readWorkbook(path string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnreadable, path, err)
	}
	defer f.Close()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: %s: workbook has no sheets", ErrSourceUnreadable, path)
	}
	// Raw values keep dates as serial numbers instead of locale-formatted text.
	rows, err := f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnreadable, path, err)
	}
	return rows, nil
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnreadable, path, err)
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	var rows [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnreadable, path, err)
		}
		if len(rows) == 0 && len(rec) > 0 {
			rec[0] = strings.TrimPrefix(rec[0], "\ufeff")
		}
		rows = append(rows, rec)
	}
	return rows, nil
}

func fileExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}
