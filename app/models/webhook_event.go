package models

import "time"

// Billing provider constants used across billing-related models.
const (
	BillingProviderStripe = "stripe"
)

// Webhook processing states. An event is claimed in "processing", resolved to
// "completed" (terminal) or "failed" (retryable via the provider's redelivery).
const (
	WebhookStatusProcessing = "processing"
	WebhookStatusCompleted  = "completed"
	WebhookStatusFailed     = "failed"
)

// WebhookEvent is the idempotency record for an externally delivered billing
// event. The unique (provider, event_id) index is the sole mutual-exclusion
// primitive across concurrent or redundant deliveries of the same event.
type WebhookEvent struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	Provider       string     `gorm:"type:varchar(20);not null;index:ux_webhook_events_provider_event,unique,priority:1" json:"provider"`
	EventID        string     `gorm:"type:varchar(191);not null;index:ux_webhook_events_provider_event,unique,priority:2" json:"event_id"`
	EventType      string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	Status         string     `gorm:"type:varchar(20);not null;default:'processing';index" json:"status"`
	RetryCount     int        `gorm:"not null;default:0" json:"retry_count"`
	LastError      string     `gorm:"type:text" json:"last_error,omitempty"`
	PayloadJSON    string     `gorm:"type:longtext;not null" json:"payload_json"`
	SignatureValid bool       `gorm:"default:false" json:"signature_valid"`
	ProcessedAt    *time.Time `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
