package source

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"meterdash/internal/models"
)

// Candidate column names per logical field, highest priority first.
var (
	TimestampColumns = []string{"date", "Date", "timestamp", "DateTime"}
	EquipmentColumns = []string{"equipment", "Equipment"}
	EnergyColumns    = []string{"maxKwH", "totalKwH"}
	DemandColumns    = []string{"maxDemand", "Max Demand"}
)

type Normalizer struct {
	layouts []string
	loc     *time.Location
}

func NewNormalizer(layouts []string, loc *time.Location) *Normalizer {
	if loc == nil {
		loc = time.Local
	}
	return &Normalizer{layouts: layouts, loc: loc}
}

// Normalize maps table rows to readings in source order. Rows without a
// parsable timestamp are dropped; missing numbers become zero.
func (n *Normalizer) Normalize(deviceID string, t Table) []models.Reading {
	index := columnIndex(t.Header)
	tsCol := resolve(index, TimestampColumns)
	eqCol := resolve(index, EquipmentColumns)
	energyCol := resolve(index, EnergyColumns)
	demandCol := resolve(index, DemandColumns)

	out := make([]models.Reading, 0, len(t.Rows))
	for _, row := range t.Rows {
		ts, ok := n.ParseTimestamp(cell(row, tsCol))
		if !ok {
			continue
		}
		out = append(out, models.Reading{
			Timestamp:        ts,
			DeviceID:         deviceID,
			CumulativeEnergy: ParseNumber(cell(row, energyCol)),
			Demand:           ParseNumber(cell(row, demandCol)),
			EquipmentTag:     cell(row, eqCol),
			Columns:          passthrough(t.Header, row),
		})
	}
	return out
}

// ParseTimestamp accepts Excel serial dates or any configured layout, read
// as wall-clock time in the normalizer's location.
func (n *Normalizer) ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if serial, err := strconv.ParseFloat(s, 64); err == nil {
		if serial <= 0 || math.IsNaN(serial) || math.IsInf(serial, 0) {
			return time.Time{}, false
		}
		t, err := excelize.ExcelDateToTime(serial, false)
		if err != nil {
			return time.Time{}, false
		}
		t = t.Round(time.Second)
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, n.loc), true
	}
	for _, layout := range n.layouts {
		if t, err := time.ParseInLocation(layout, s, n.loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseNumber never fails: blanks and garbage read as 0, thousands
// separators are ignored and a leading numeric prefix is accepted.
func ParseNumber(s string) float64 {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return 0
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return finite(f)
	}
	end := 0
	for i, r := range s {
		if (r >= '0' && r <= '9') || r == '.' || ((r == '-' || r == '+') && i == 0) {
			end = i + 1
			continue
		}
		break
	}
	for end > 0 {
		if f, err := strconv.ParseFloat(s[:end], 64); err == nil {
			return finite(f)
		}
		end--
	}
	return 0
}

func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func columnIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(h))
		if key == "" {
			continue
		}
		if _, dup := idx[key]; !dup {
			idx[key] = i
		}
	}
	return idx
}

func resolve(index map[string]int, candidates []string) int {
	for _, c := range candidates {
		if i, ok := index[strings.ToLower(c)]; ok {
			return i
		}
	}
	return -1
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func passthrough(header, row []string) map[string]string {
	out := map[string]string{}
	for i, h := range header {
		if h == "" || i >= len(row) {
			continue
		}
		if v := strings.TrimSpace(row[i]); v != "" {
			out[h] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
