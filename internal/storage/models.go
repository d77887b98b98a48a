package storage

import "time"

// DedupRecord is one persisted observation counter for a tracked symbol
// under an alert policy. The count accumulates across consecutive runs in
// which the symbol still qualifies; pruning resets the symbol to a fresh
// insert on reappearance.
type DedupRecord struct {
	TrackedSymbol    string
	SymbolType       string
	AlertPolicy      string
	ObservationCount int64
	LastUpdate       time.Time
}

// CountType selects the occurrence counter window.
type CountType string

const (
	CountDaily   CountType = "daily"
	CountMonthly CountType = "monthly"
)

// WindowStart truncates t to the start of the counter's period.
func (ct CountType) WindowStart(t time.Time) time.Time {
	t = t.UTC()
	if ct == CountMonthly {
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// OccurrenceRecord counts how often an instrument fired a given alert type
// within the current daily or monthly window.
type OccurrenceRecord struct {
	Instrument       string
	AlertType        string
	CountType        CountType
	ObservationCount int64
	WindowStart      time.Time
}
