// Package journal maintains the append-only capture metadata journal:
// one JSONL record per process start/stop event, mirrored to a
// sorted-column CSV and optionally to a per-test CSV.
package journal

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/netlabtools/capagent/internal/logging"
)

const (
	jsonlName = "captures_meta.jsonl"
	csvName   = "captures_meta.csv"
)

// Row is one journal record. Start rows carry the full capture
// context; stop rows carry only the identifying fields.
type Row struct {
	Event         string   `json:"event"`
	UTC           string   `json:"utc"`
	CaptureID     string   `json:"capture_id"`
	MainCaptureID string   `json:"main_capture_id,omitempty"`
	Interface     string   `json:"interface"`
	Interfaces    []string `json:"interfaces,omitempty"`
	RingFileSize  int      `json:"ring_file_size_mb,omitempty"`
	RingFileCount int      `json:"ring_file_count,omitempty"`
	FilenameBase  string   `json:"filename_base,omitempty"`
	PID           int      `json:"pid"`
	BPFFilter     string   `json:"bpf_filter,omitempty"`
	TestName      string   `json:"test_name,omitempty"`
	ProfileID     string   `json:"profile_id,omitempty"`
	ProfileName   string   `json:"profile_name,omitempty"`
}

// Journal appends capture metadata rows under a single global write
// lock shared by all tabs and interfaces.
type Journal struct {
	dir    string
	mu     sync.Mutex
	logger zerolog.Logger
}

// New creates the journal directory if needed and returns a Journal.
func New(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	return &Journal{
		dir:    dir,
		logger: logging.Component("journal"),
	}, nil
}

// Dir returns the journal directory.
func (j *Journal) Dir() string {
	return j.dir
}

// Append writes one row to the JSONL journal and the CSV mirror, plus
// the per-test CSV when testMetaFile is non-empty. Failures are
// reported but never abort an in-flight run; callers log and continue.
func (j *Journal) Append(row Row, testMetaFile string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var firstErr error

	if err := j.appendJSONL(row); err != nil {
		j.logger.Warn().Err(err).Msg("journal jsonl append failed")
		firstErr = err
	}
	if err := appendCSV(filepath.Join(j.dir, csvName), row); err != nil {
		j.logger.Warn().Err(err).Msg("journal csv append failed")
		if firstErr == nil {
			firstErr = err
		}
	}
	if testMetaFile != "" {
		if err := os.MkdirAll(filepath.Dir(testMetaFile), 0o755); err == nil {
			err = appendCSV(testMetaFile, row)
			if err != nil {
				j.logger.Warn().Err(err).Str("file", testMetaFile).Msg("per-test csv append failed")
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}

	return firstErr
}

func (j *Journal) appendJSONL(row Row) error {
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(j.dir, jsonlName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

// appendCSV mirrors the row into a CSV file with columns sorted by
// field name. The header is written when the file is created; rows are
// serialized over their present fields only, matching the journal's
// historical format.
func appendCSV(path string, row Row) error {
	fields, err := rowFields(row)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	_, statErr := os.Stat(path)
	isNew := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if isNew {
		if err := w.Write(keys); err != nil {
			return err
		}
	}
	record := make([]string, len(keys))
	for i, k := range keys {
		record[i] = fields[k]
	}
	if err := w.Write(record); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

// rowFields flattens the row to its JSON field set, so the CSV columns
// track the JSONL schema exactly.
func rowFields(row Row) (map[string]string, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			fields[k] = val
		case float64:
			fields[k] = trimFloat(val)
		case []any:
			parts, _ := json.Marshal(val)
			fields[k] = string(parts)
		default:
			parts, _ := json.Marshal(val)
			fields[k] = string(parts)
		}
	}
	return fields, nil
}

func trimFloat(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%g", v)
}
