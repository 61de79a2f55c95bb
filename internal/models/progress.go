package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ProgressRecord is one incremental status update of a long-running import.
//
// Records supersede each other; the record with Done set is terminal.
type ProgressRecord struct {
	Phase     int         `json:"phase"`
	NumPhases int         `json:"numPhases"`
	Pct       float64     `json:"pct"`
	Text      string      `json:"text"`
	Added     AddedCounts `json:"added,omitempty"`
	Errors    []string    `json:"errors,omitempty"`
	Done      bool        `json:"done"`
	Timestamp time.Time   `json:"timestamp"`
}

// Fraction returns Pct scaled to [0, 1].
func (p ProgressRecord) Fraction() float64 {
	switch {
	case p.Pct <= 0:
		return 0
	case p.Pct >= 100:
		return 1
	default:
		return p.Pct / 100
	}
}

// AddedCount is the number of rows added to one table.
type AddedCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// AddedCounts is an ordered list of per-table counts.
//
// It decodes either a JSON array of {name, count} objects or a JSON object
// of name to count, preserving the object's key order.
type AddedCounts []AddedCount

// Total sums all counts.
func (a AddedCounts) Total() int {
	total := 0
	for _, c := range a {
		total += c.Count
	}
	return total
}

// UnmarshalJSON implements [json.Unmarshaler].
func (a *AddedCounts) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*a = nil
		return nil
	}

	if data[0] == '[' {
		var list []AddedCount
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		*a = list
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("added: expected object or array, got %v", tok)
	}

	var counts AddedCounts
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("added: expected string key, got %v", tok)
		}
		var count int
		if err := dec.Decode(&count); err != nil {
			return fmt.Errorf("added: count for %q: %w", name, err)
		}
		counts = append(counts, AddedCount{Name: name, Count: count})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*a = counts
	return nil
}
