// Package synclog persists the incremental photo-sync cursor: one JSON
// record per processed attachment-bearing record, appended in arrival order.
// The maximum objectid in the log is the exclusive lower bound of the next
// sync's query.
package synclog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// TimeLayout is the timestamp format used for created_date in the log.
const TimeLayout = "02/01/2006 15:04:05"

// Entry records one attachment-bearing record that has been processed.
type Entry struct {
	ObjectId    int64  `json:"objectid"`
	CreatedDate string `json:"created_date"`
	FormId      string `json:"id_form"`
	Local       string `json:"local"`
}

// Log is the on-disk sync log, loaded fully into memory. Appends go straight
// to disk so a crash mid-run keeps every completed record.
type Log struct {
	path    string
	exists  bool
	entries []Entry
}

// Open loads the log at path. A missing file is not an error, it yields an
// empty log whose Exists reports false (the caller performs a full resync).
func Open(path string) (*Log, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return &Log{path: path}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open sync log: %w", err)
	}
	defer f.Close()

	l := &Log{path: path, exists: true}
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("sync log %s line %d: %w", path, line, err)
		}
		l.entries = append(l.entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read sync log: %w", err)
	}
	return l, nil
}

// Exists reports whether the log file was present when opened.
func (l *Log) Exists() bool {
	return l.exists
}

// Entries returns the loaded entries in file order.
func (l *Log) Entries() []Entry {
	return l.entries
}

// MaxObjectId returns the highest objectid seen so far, 0 for an empty log.
func (l *Log) MaxObjectId() int64 {
	var max int64
	for _, e := range l.entries {
		if e.ObjectId > max {
			max = e.ObjectId
		}
	}
	return max
}

// Append writes the entry to the end of the log file and keeps it in memory.
// Previous lines are never rewritten.
func (l *Log) Append(e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("append sync log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("append sync log: %w", err)
	}
	l.entries = append(l.entries, e)
	l.exists = true
	return nil
}

// FormatCreated renders a portal created_date (epoch milliseconds) in the
// log's timestamp format.
func FormatCreated(millis int64) string {
	return time.UnixMilli(millis).UTC().Format(TimeLayout)
}
