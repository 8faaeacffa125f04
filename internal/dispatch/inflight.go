package dispatch

import (
	"sort"
	"sync"
	"time"
)

// InFlightRecord tracks a message that is currently being processed
type InFlightRecord struct {
	ReceiptHandle string    `json:"-"`
	MessageID     string    `json:"messageId"`
	DataSource    string    `json:"dataSource,omitempty"`
	RecordID      string    `json:"recordId,omitempty"`
	StartTime     time.Time `json:"startTime"`
	LastExtension time.Time `json:"lastExtension,omitempty"`
	Extensions    int       `json:"extensions"`
	ReportedStuck bool      `json:"reportedStuck"`
}

// InFlight is the set of records being processed, keyed by receipt handle
type InFlight struct {
	mu      sync.Mutex
	records map[string]*InFlightRecord
}

// NewInFlight creates an empty in-flight set
func NewInFlight() *InFlight {
	return &InFlight{
		records: make(map[string]*InFlightRecord),
	}
}

// Add starts tracking a record
func (f *InFlight) Add(rec *InFlightRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.ReceiptHandle] = rec
}

// Remove stops tracking a record. ok is false if the record was not tracked,
// which means it was dropped after its visibility was lost.
func (f *InFlight) Remove(receiptHandle string) (InFlightRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.records[receiptHandle]
	if !ok {
		return InFlightRecord{}, false
	}
	delete(f.records, receiptHandle)
	return *rec, true
}

// SetRecord attaches the decoded record identity
func (f *InFlight) SetRecord(receiptHandle, dataSource, recordID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if rec, ok := f.records[receiptHandle]; ok {
		rec.DataSource = dataSource
		rec.RecordID = recordID
	}
}

// MarkExtended records a successful visibility extension
func (f *InFlight) MarkExtended(receiptHandle string, at time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.records[receiptHandle]
	if !ok {
		return false
	}
	rec.LastExtension = at
	rec.Extensions++
	return true
}

// MarkStuck flags a record as reported stuck. Returns false if it was
// already flagged or is no longer tracked.
func (f *InFlight) MarkStuck(receiptHandle string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.records[receiptHandle]
	if !ok || rec.ReportedStuck {
		return false
	}
	rec.ReportedStuck = true
	return true
}

// Snapshot returns copies of all tracked records, oldest first
func (f *InFlight) Snapshot() []InFlightRecord {
	f.mu.Lock()
	result := make([]InFlightRecord, 0, len(f.records))
	for _, rec := range f.records {
		result = append(result, *rec)
	}
	f.mu.Unlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].StartTime.Before(result[j].StartTime)
	})
	return result
}

// Len returns the number of tracked records
func (f *InFlight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}
