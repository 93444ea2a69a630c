package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type MessageStatus string

const (
	MessageStatusError          MessageStatus = "error"
	MessageStatusFailed         MessageStatus = "failed"
	MessageStatusCanceled       MessageStatus = "canceled"
	MessageStatusPending        MessageStatus = "pending"
	MessageStatusQueued         MessageStatus = "queued"
	MessageStatusScheduledRetry MessageStatus = "scheduled_retry"
	MessageStatusSent           MessageStatus = "sent"
	MessageStatusDelivered      MessageStatus = "delivered"
	MessageStatusRead           MessageStatus = "read"
)

// statusRank is the single ordered enumeration every status comparison in the
// engine goes through: dispatcher idempotency checks, the inbound status
// bridge and the health monitor all rank statuses with it.
var statusRank = map[MessageStatus]int{
	MessageStatusError:          0,
	MessageStatusFailed:         1,
	MessageStatusCanceled:       2,
	MessageStatusPending:        3,
	MessageStatusQueued:         4,
	MessageStatusScheduledRetry: 5,
	MessageStatusSent:           6,
	MessageStatusDelivered:      7,
	MessageStatusRead:           8,
}

// Rank returns the position of s in the status hierarchy, or -1 for an
// unknown status.
func (s MessageStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

func (s MessageStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// IsTerminalOverride reports whether s may be applied from any state.
// Error and failed are terminal overrides; everything else must move forward.
func (s MessageStatus) IsTerminalOverride() bool {
	return s == MessageStatusError || s == MessageStatusFailed
}

// CanTransition reports whether a message currently in s may move to `to`.
// Forward moves in the hierarchy are allowed; error/failed are allowed from
// anywhere.
func (s MessageStatus) CanTransition(to MessageStatus) bool {
	if !to.Valid() {
		return false
	}
	if to.IsTerminalOverride() {
		return true
	}
	return to.Rank() > s.Rank()
}

// DispatchComplete reports whether a message no longer needs dispatching:
// it was already handed to the provider, or it was canceled.
func (s MessageStatus) DispatchComplete() bool {
	switch s {
	case MessageStatusSent, MessageStatusDelivered, MessageStatusRead, MessageStatusCanceled:
		return true
	}
	return false
}

// StatusHistoryEntry is one append-only record of a status change.
type StatusHistoryEntry struct {
	Status    MessageStatus `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Detail    string        `json:"detail,omitempty"`
}

type StatusHistory []StatusHistoryEntry

func (h StatusHistory) Value() (driver.Value, error) {
	if h == nil {
		return "[]", nil
	}
	return json.Marshal(h)
}

func (h *StatusHistory) Scan(src interface{}) error {
	return scanJSON(src, h)
}

// AntiSpamInfo records which randomizations were applied to a send.
type AntiSpamInfo struct {
	VariantTag      string        `json:"variant_tag,omitempty"`
	AppliedDelay    time.Duration `json:"applied_delay_ms,omitempty"`
	TypingSimulated bool          `json:"typing_simulated,omitempty"`
	MarkersInserted bool          `json:"markers_inserted,omitempty"`
}

func (i AntiSpamInfo) Value() (driver.Value, error) { return json.Marshal(i) }
func (i *AntiSpamInfo) Scan(src interface{}) error  { return scanJSON(src, i) }

// RateLimiterInfo records the last admission decision taken for a message.
type RateLimiterInfo struct {
	Throttled bool          `json:"throttled"`
	Reason    string        `json:"reason,omitempty"`
	WaitTime  time.Duration `json:"wait_time_ms,omitempty"`
}

func (i RateLimiterInfo) Value() (driver.Value, error) { return json.Marshal(i) }
func (i *RateLimiterInfo) Scan(src interface{}) error  { return scanJSON(src, i) }

type Message struct {
	ID                uuid.UUID       `json:"id" db:"id"`
	CampaignID        uuid.UUID       `json:"campaign_id" db:"campaign_id"`
	ContactID         uuid.UUID       `json:"contact_id" db:"contact_id"`
	ChannelID         uuid.UUID       `json:"channel_id" db:"channel_id"`
	Recipient         string          `json:"recipient" db:"recipient"`
	Content           string          `json:"content" db:"content"`
	MediaURL          string          `json:"media_url,omitempty" db:"media_url"`
	Status            MessageStatus   `json:"status" db:"status"`
	ProviderMessageID string          `json:"provider_message_id,omitempty" db:"provider_message_id"`
	Retries           int             `json:"retries" db:"retries"`
	ScheduledRetryAt  *time.Time      `json:"scheduled_retry_at,omitempty" db:"scheduled_retry_at"`
	StatusHistory     StatusHistory   `json:"status_history" db:"status_history"`
	AntiSpamInfo      AntiSpamInfo    `json:"anti_spam_info" db:"anti_spam_info"`
	RateLimiterInfo   RateLimiterInfo `json:"rate_limiter_info" db:"rate_limiter_info"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// AppendHistory records a status change on the in-memory model. The
// repository persists the entry alongside the status column.
func (m *Message) AppendHistory(status MessageStatus, detail string) StatusHistoryEntry {
	entry := StatusHistoryEntry{Status: status, Timestamp: time.Now(), Detail: detail}
	m.StatusHistory = append(m.StatusHistory, entry)
	m.Status = status
	return entry
}

func scanJSON(src, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported scan type %T", src)
	}
}
