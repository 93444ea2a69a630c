package model

import "time"

type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "info"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

const (
	AlertTypeChannelQuarantined = "channel_quarantined"
	AlertTypeChannelRecovered   = "channel_recovered"
	AlertTypeChannelDegraded    = "channel_degraded"
	AlertTypeBlockSuspicion     = "block_suspicion"
	AlertTypeCampaignPaused     = "campaign_paused"
	AlertTypeCampaignFailed     = "campaign_failed"
	AlertTypeRestartScheduled   = "restart_scheduled"
)

// AlertEvent is emitted fire-and-forget on the alerts topic; rendering and
// delivery belong to the external alerting collaborator.
type AlertEvent struct {
	Type          string     `json:"type"`
	Level         AlertLevel `json:"level"`
	Message       string     `json:"message"`
	RelatedEntity string     `json:"related_entity,omitempty"`
	At            time.Time  `json:"at"`
}
