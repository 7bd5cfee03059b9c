package quota

import (
	"errors"
	"fmt"
	"time"

	"github.com/aiox-platform/usagegate/internal/store"
)

var (
	ErrInvalidAmount  = errors.New("usage amount must be a finite, non-negative number")
	ErrInvalidService = errors.New("service identifier is required")
)

// Granularity is the length of a counting period.
type Granularity string

const (
	Daily   Granularity = "daily"
	Monthly Granularity = "monthly"
)

const (
	dailyLayout   = "2006-01-02"
	monthlyLayout = "2006-01"
)

// ParseGranularity accepts "daily" or "monthly".
func ParseGranularity(s string) (Granularity, error) {
	switch g := Granularity(s); g {
	case Daily, Monthly:
		return g, nil
	default:
		return "", fmt.Errorf("unknown granularity %q", s)
	}
}

// PeriodKey returns the UTC period containing t.
func (g Granularity) PeriodKey(t time.Time) string {
	t = t.UTC()
	if g == Monthly {
		return t.Format(monthlyLayout)
	}
	return t.Format(dailyLayout)
}

// PreviousPeriodKey returns the period that closed most recently before t.
func (g Granularity) PreviousPeriodKey(t time.Time) string {
	t = t.UTC()
	if g == Monthly {
		firstOfMonth := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return firstOfMonth.AddDate(0, -1, 0).Format(monthlyLayout)
	}
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return midnight.AddDate(0, 0, -1).Format(dailyLayout)
}

// UsageResult is the outcome of recording or reading usage for one service.
type UsageResult struct {
	Service      string       `json:"service"`
	Period       string       `json:"period"`
	CurrentUsage float64      `json:"currentUsage"`
	Limit        *float64     `json:"limit"`
	Unit         string       `json:"unit,omitempty"`
	Status       store.Status `json:"status"`
	Percentage   *string      `json:"percentage"`
	ShouldWarn   bool         `json:"shouldWarn"`
	ShouldStop   bool         `json:"shouldStop"`
	Dropped      bool         `json:"dropped,omitempty"`
}

// RolloverResult lists the services whose closed-period records were archived.
type RolloverResult struct {
	ArchivedServices []string `json:"archivedServices"`
}
