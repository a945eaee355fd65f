// Package ingest loads raw sales CSV exports, cleans them into typed rows,
// and writes an atomic JSON snapshot for the downstream detectors.
package ingest

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/encoding/charmap"

	"github.com/salesops-ai/sentinel/core"
	"github.com/salesops-ai/sentinel/observability"
)

// Required columns in the raw export. Header matching is whitespace-tolerant.
var requiredColumns = []string{"Order Date", "Sales", "Profit", "Region", "Category", "Order ID"}

// Date layouts seen in the wild for this dataset.
var dateLayouts = []string{"2006-01-02", "1/2/2006", "01/02/2006", "2006/01/02", "2-Jan-2006"}

// Row is one cleaned sales record.
type Row struct {
	OrderDate time.Time `json:"order_date"`
	OrderID   string    `json:"order_id"`
	Region    string    `json:"region"`
	Category  string    `json:"category"`
	Sales     float64   `json:"sales"`
	Profit    float64   `json:"profit"`
}

// Ingestor loads and cleans one CSV file.
type Ingestor struct {
	path   string
	logger *logrus.Entry
}

// New creates an ingestor for path.
func New(path string, logger *logrus.Entry) *Ingestor {
	if logger == nil {
		logger = observability.NewLogger("DataIngestor", "")
	}
	return &Ingestor{path: path, logger: logger}
}

// Load reads, cleans, and validates the CSV. Rows with an unparseable order
// date or numeric field are dropped, not fatal; a missing required column is.
func (in *Ingestor) Load() ([]Row, error) {
	raw, err := os.ReadFile(in.path)
	if err != nil {
		return nil, core.Classified(core.KindStorage, err)
	}

	// Exports of this dataset are frequently latin1, not utf-8.
	if !utf8.Valid(raw) {
		in.logger.Info("input is not valid UTF-8, decoding as latin1")
		decoded, derr := charmap.ISO8859_1.NewDecoder().Bytes(raw)
		if derr != nil {
			return nil, core.Classified(core.KindValidation, derr)
		}
		raw = decoded
	}

	reader := csv.NewReader(strings.NewReader(string(raw)))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, core.Classifiedf(core.KindValidation, "empty or unreadable CSV: %v", err)
	}

	index := map[string]int{}
	for i, name := range header {
		index[strings.TrimSpace(name)] = i
	}
	var missing []string
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, core.Classifiedf(core.KindValidation, "missing required columns: %s", strings.Join(missing, ", "))
	}

	var rows []Row
	dropped := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			dropped++
			continue
		}

		field := func(name string) string {
			i := index[name]
			if i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		date, ok := parseDate(field("Order Date"))
		if !ok {
			dropped++
			continue
		}
		sales, err1 := strconv.ParseFloat(field("Sales"), 64)
		profit, err2 := strconv.ParseFloat(field("Profit"), 64)
		if err1 != nil || err2 != nil {
			dropped++
			continue
		}

		rows = append(rows, Row{
			OrderDate: date,
			OrderID:   field("Order ID"),
			Region:    field("Region"),
			Category:  field("Category"),
			Sales:     sales,
			Profit:    profit,
		})
	}

	if dropped > 0 {
		in.logger.WithFields(logrus.Fields{"dropped": dropped, "kept": len(rows)}).Warn("dropped unparseable rows")
	} else {
		in.logger.WithField("rows", len(rows)).Info("loaded clean dataset")
	}
	return rows, nil
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// SaveSnapshot writes the cleaned rows as a JSON artifact via temp-file
// rename, so readers never observe a partial snapshot.
func SaveSnapshot(rows []Row, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return core.Classified(core.KindStorage, err)
	}

	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return core.Classified(core.KindStorage, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*.json")
	if err != nil {
		return core.Classified(core.KindStorage, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return core.Classified(core.KindStorage, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return core.Classified(core.KindStorage, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return core.Classified(core.KindStorage, err)
	}
	return nil
}

// LoadSnapshot reads a snapshot written by SaveSnapshot.
func LoadSnapshot(path string) ([]Row, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, core.Classified(core.KindStorage, err)
	}
	var rows []Row
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, core.Classified(core.KindValidation, err)
	}
	return rows, nil
}
