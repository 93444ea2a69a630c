package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type ChannelStatus string

const (
	ChannelStatusDisconnected ChannelStatus = "disconnected"
	ChannelStatusConnecting   ChannelStatus = "connecting"
	ChannelStatusConnected    ChannelStatus = "connected"
	ChannelStatusWarning      ChannelStatus = "warning"
	ChannelStatusError        ChannelStatus = "error"
	ChannelStatusQuarantine   ChannelStatus = "quarantine"
)

// Sendable reports whether the channel may carry traffic at all.
// Warning channels still send; quarantined and disconnected ones do not.
func (s ChannelStatus) Sendable() bool {
	return s == ChannelStatusConnected || s == ChannelStatusWarning
}

type HealthStatus string

const (
	HealthUnknown  HealthStatus = "unknown"
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

// Throttling holds the per-channel admission limits. Zero values fall back
// to engine defaults.
type Throttling struct {
	PerMinute  int           `json:"per_minute"`
	PerHour    int           `json:"per_hour"`
	PerDay     int           `json:"per_day"`
	BatchSize  int           `json:"batch_size"`
	BatchDelay time.Duration `json:"batch_delay"`
}

func (t Throttling) Value() (driver.Value, error) { return json.Marshal(t) }
func (t *Throttling) Scan(src interface{}) error  { return scanJSON(src, t) }

// ChannelHealth is owned by the health monitor; the CRUD layer never writes
// these fields.
type ChannelHealth struct {
	Status              HealthStatus `json:"status"`
	SuccessRate         float64      `json:"success_rate"`
	BlockSuspicionScore float64      `json:"block_suspicion_score"`
	QuarantineReason    string       `json:"quarantine_reason,omitempty"`
	QuarantineTimestamp *time.Time   `json:"quarantine_timestamp,omitempty"`
	CriticalSince       *time.Time   `json:"critical_since,omitempty"`
}

func (h ChannelHealth) Value() (driver.Value, error) { return json.Marshal(h) }
func (h *ChannelHealth) Scan(src interface{}) error  { return scanJSON(src, h) }

type Channel struct {
	ID         uuid.UUID     `json:"id" db:"id"`
	Name       string        `json:"name" db:"name"`
	Identifier string        `json:"identifier" db:"identifier"`
	Status     ChannelStatus `json:"status" db:"status"`
	Throttling Throttling    `json:"throttling" db:"throttling"`
	Health     ChannelHealth `json:"health" db:"health"`
	LastUsedAt *time.Time    `json:"last_used_at,omitempty" db:"last_used_at"`
	CreatedAt  time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at" db:"updated_at"`
}

// ChannelOutcome is one send result reported to the health monitor.
type ChannelOutcome struct {
	ChannelID uuid.UUID
	Success   bool
	Detail    string
	At        time.Time
}
