package alert

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Type is the kind of quota alert.
type Type string

const (
	TypeWarning Type = "warning"
	TypeStopped Type = "stopped"
)

// Alert is a dispatched quota notification as kept in the alert log.
type Alert struct {
	ID           uuid.UUID `json:"id"`
	Service      string    `json:"service"`
	Type         Type      `json:"type"`
	CurrentUsage float64   `json:"current_usage"`
	Limit        float64   `json:"limit"`
	Percentage   string    `json:"percentage"`
	Delivered    bool      `json:"delivered"`
	CreatedAt    time.Time `json:"created_at"`
}

// Payload is the JSON body POSTed to the alert webhook.
type Payload struct {
	Service      string    `json:"service"`
	Type         Type      `json:"type"`
	CurrentUsage float64   `json:"currentUsage"`
	Limit        float64   `json:"limit"`
	Percentage   string    `json:"percentage"`
	Timestamp    time.Time `json:"timestamp"`
}

// ListParams filters the alert log.
type ListParams struct {
	Service string
	Limit   int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (p ListParams) normalized() ListParams {
	if p.Limit < 1 || p.Limit > maxListLimit {
		p.Limit = defaultListLimit
	}
	return p
}

// Repository persists the alert log.
type Repository interface {
	Insert(ctx context.Context, a *Alert) error
	List(ctx context.Context, params ListParams) ([]Alert, error)
}

// Percentage renders usage/limit as a percentage rounded to one decimal.
func Percentage(usage, limit float64) string {
	if limit <= 0 {
		return "0.0"
	}
	return fmt.Sprintf("%.1f", math.Round(usage/limit*1000)/10)
}
