package store

import (
	"fmt"
	"time"
)

// Status is the admission state of a usage record within one period.
// It only ever moves forward: active -> warning -> stopped.
type Status string

const (
	StatusActive  Status = "active"
	StatusWarning Status = "warning"
	StatusStopped Status = "stopped"
)

// Rank orders statuses so escalation can be compared numerically.
func (s Status) Rank() int {
	switch s {
	case StatusWarning:
		return 1
	case StatusStopped:
		return 2
	default:
		return 0
	}
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusWarning, StatusStopped:
		return true
	}
	return false
}

// Key identifies a usage record: one counter per service per period.
type Key struct {
	Service string
	Period  string
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.Service, k.Period)
}

// Record matches the persisted usage document shape.
type Record struct {
	Service         string     `json:"service"`
	Period          string     `json:"period"`
	CurrentUsage    float64    `json:"currentUsage"`
	Status          Status     `json:"status"`
	LastUpdated     time.Time  `json:"lastUpdated"`
	LastWarningDate *string    `json:"lastWarningDate"`
	StoppedAt       *time.Time `json:"stoppedAt"`
}

// Key returns the record's (service, period) key.
func (r *Record) Key() Key {
	return Key{Service: r.Service, Period: r.Period}
}

// Clone returns a deep copy so callers never share pointer fields with a backend.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.LastWarningDate != nil {
		d := *r.LastWarningDate
		c.LastWarningDate = &d
	}
	if r.StoppedAt != nil {
		t := *r.StoppedAt
		c.StoppedAt = &t
	}
	return &c
}

func newRecord(key Key) *Record {
	return &Record{
		Service: key.Service,
		Period:  key.Period,
		Status:  StatusActive,
	}
}

// ArchiveRecord is a closed-period record copied by rollover.
type ArchiveRecord struct {
	Record
	ArchivedAt time.Time `json:"archivedAt"`
}

// applyIncrement, applyEscalate and applyClaimWarning hold the record
// transitions shared by the compare-and-swap backends. Each returns false
// when the record was left unchanged.

func applyIncrement(rec *Record, amount float64, now time.Time) bool {
	rec.CurrentUsage += amount
	rec.LastUpdated = now.UTC()
	return true
}

func applyEscalate(rec *Record, status Status, now time.Time) bool {
	if rec.Status.Rank() >= status.Rank() {
		return false
	}
	rec.Status = status
	if status == StatusStopped && rec.StoppedAt == nil {
		t := now.UTC()
		rec.StoppedAt = &t
	}
	return true
}

func applyClaimWarning(rec *Record, day string) bool {
	if rec.LastWarningDate != nil && *rec.LastWarningDate == day {
		return false
	}
	d := day
	rec.LastWarningDate = &d
	return true
}
