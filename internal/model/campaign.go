package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusQueued    CampaignStatus = "queued"
	CampaignStatusRunning   CampaignStatus = "running"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusFailed    CampaignStatus = "failed"
	CampaignStatusCanceled  CampaignStatus = "canceled"
)

// IsTerminal reports whether the campaign can never leave this status.
func (s CampaignStatus) IsTerminal() bool {
	switch s {
	case CampaignStatusCompleted, CampaignStatusFailed, CampaignStatusCanceled:
		return true
	}
	return false
}

type ScheduleType string

const (
	ScheduleImmediate ScheduleType = "immediate"
	ScheduleScheduled ScheduleType = "scheduled"
	ScheduleRecurring ScheduleType = "recurring"
)

type RecurrencePattern string

const (
	RecurrenceDaily   RecurrencePattern = "daily"
	RecurrenceWeekly  RecurrencePattern = "weekly"
	RecurrenceMonthly RecurrencePattern = "monthly"
)

// Schedule describes when a campaign is materialized into messages.
// RecurrenceTime is "HH:MM" in the scheduler's local time.
type Schedule struct {
	Type              ScheduleType      `json:"type"`
	StartAt           *time.Time        `json:"start_at,omitempty"`
	RecurrencePattern RecurrencePattern `json:"recurrence_pattern,omitempty"`
	RecurrenceDays    []time.Weekday    `json:"recurrence_days,omitempty"`
	RecurrenceTime    string            `json:"recurrence_time,omitempty"`
}

func (s Schedule) Value() (driver.Value, error) { return json.Marshal(s) }
func (s *Schedule) Scan(src interface{}) error  { return scanJSON(src, s) }

type RotationStrategy string

const (
	RotationRoundRobin   RotationStrategy = "round-robin"
	RotationHealthBased  RotationStrategy = "health-based"
	RotationLoadBalanced RotationStrategy = "load-balanced"
	RotationNone         RotationStrategy = "none"
)

// DurationRange is an inclusive [Min, Max] interval used for randomized
// delays.
type DurationRange struct {
	Min time.Duration `json:"min"`
	Max time.Duration `json:"max"`
}

type TypingSimulation struct {
	Enabled  bool          `json:"enabled"`
	Duration time.Duration `json:"duration"`
}

// PauseAfter pauses a (campaign, channel) pair for a randomized duration
// once Count sends have gone through it.
type PauseAfter struct {
	Count    int           `json:"count"`
	Duration DurationRange `json:"duration"`
}

// AntiSpamConfig is the per-campaign behavioral randomization profile.
type AntiSpamConfig struct {
	TypingSimulation     TypingSimulation `json:"typing_simulation"`
	MessageInterval      DurationRange    `json:"message_interval"`
	PauseAfter           PauseAfter       `json:"pause_after"`
	ContentRandomization bool             `json:"content_randomization"`
	RotationStrategy     RotationStrategy `json:"rotation_strategy"`
}

func (c AntiSpamConfig) Value() (driver.Value, error) { return json.Marshal(c) }
func (c *AntiSpamConfig) Scan(src interface{}) error  { return scanJSON(src, c) }

// RotationEnabled reports whether the selector should consider channels other
// than the campaign's own.
func (c AntiSpamConfig) RotationEnabled() bool {
	return c.RotationStrategy != "" && c.RotationStrategy != RotationNone
}

// CampaignMetrics are maintained exclusively through atomic increment
// operations; delivered/read are sub-states of sent and never re-enter
// pending, so sent + failed + pending == total holds at all times.
type CampaignMetrics struct {
	Total     int `json:"total" db:"total"`
	Pending   int `json:"pending" db:"pending"`
	Sent      int `json:"sent" db:"sent"`
	Delivered int `json:"delivered" db:"delivered"`
	Read      int `json:"read" db:"read"`
	Failed    int `json:"failed" db:"failed"`
}

type MessageVariants []string

func (v MessageVariants) Value() (driver.Value, error) {
	if v == nil {
		return "[]", nil
	}
	return json.Marshal(v)
}

func (v *MessageVariants) Scan(src interface{}) error { return scanJSON(src, v) }

type Campaign struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	Name            string          `json:"name" db:"name"`
	Status          CampaignStatus  `json:"status" db:"status"`
	ChannelID       uuid.UUID       `json:"channel_id" db:"channel_id"`
	TemplateID      uuid.UUID       `json:"template_id" db:"template_id"`
	Schedule        Schedule        `json:"schedule" db:"schedule"`
	AntiSpam        AntiSpamConfig  `json:"anti_spam" db:"anti_spam"`
	MessageVariants MessageVariants `json:"message_variants" db:"message_variants"`
	Metrics         CampaignMetrics `json:"metrics" db:"metrics"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}
