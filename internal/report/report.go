// Package report appends one JSON line per command run for external
// dispatchers that retry on exit code.
package report

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// MaxLineCapacity is the maximum buffer size for reading report lines (1MB per line).
const MaxLineCapacity = 1024 * 1024

// Record is one report line. ts, cid, exit and event are always present;
// the remaining keys depend on the event.
type Record map[string]any

// New builds a record with the fixed keys set.
func New(ts time.Time, cid string, exit int, event string, fields map[string]any) Record {
	r := make(Record, len(fields)+4)
	for k, v := range fields {
		r[k] = v
	}
	r["ts"] = ts.UTC().Format(time.RFC3339)
	r["cid"] = cid
	r["exit"] = exit
	r["event"] = event
	return r
}

// Append writes r as one line at the end of path, creating the file and
// its directory when needed.
func Append(path string, r Record) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating report dir: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening report for append: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}

// ReadAll reads every record in path. A missing file yields no records.
func ReadAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening report: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	buf := make([]byte, MaxLineCapacity)
	scanner.Buffer(buf, MaxLineCapacity)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("parsing line %d: %w", lineNum, err)
		}
		records = append(records, r)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading report: %w", err)
	}
	return records, nil
}
