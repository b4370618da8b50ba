package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/Jalez/ui-designer-sub003/app/models"
	"gorm.io/gorm"
)

// ClaimOutcome classifies the result of claiming a webhook delivery.
type ClaimOutcome int

const (
	// ClaimProceed means this delivery owns the event and must apply it.
	ClaimProceed ClaimOutcome = iota
	// ClaimDuplicate means the event already completed; side effects must not run again.
	ClaimDuplicate
	// ClaimInFlight means a concurrent delivery of the same event is being
	// processed; this delivery should be deferred to the provider's retry.
	ClaimInFlight
)

// Tracker is the idempotency gate for externally delivered billing events.
// The unique (provider, event_id) index is the only mutual-exclusion
// primitive; everything else branches on the stored status.
type Tracker struct {
	repo Repository
}

// NewTracker creates a tracker from an injected repository.
func NewTracker(repo Repository) *Tracker {
	return &Tracker{repo: repo}
}

// NewTrackerFromDB creates a tracker from a GORM DB handle.
func NewTrackerFromDB(db *gorm.DB) *Tracker {
	return NewTracker(NewRepository(db))
}

// Claim records the first sighting of an event in processing state, or branches
// on the prior state of a resighted event: completed events report duplicate,
// failed events transition back to processing with retry_count incremented, and
// events still processing are reported as in flight.
func (t *Tracker) Claim(ctx context.Context, in WebhookEventInput) (ClaimOutcome, *models.WebhookEvent, error) {
	_ = ctx
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		return ClaimInFlight, nil, errors.New("provider is required")
	}
	eventID := strings.TrimSpace(in.EventID)
	if eventID == "" {
		sum := sha256.Sum256([]byte(in.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	event := &models.WebhookEvent{
		Provider:       provider,
		EventID:        eventID,
		EventType:      strings.TrimSpace(in.EventType),
		Status:         models.WebhookStatusProcessing,
		PayloadJSON:    in.PayloadJSON,
		SignatureValid: in.SignatureValid,
	}
	created, stored, err := t.repo.CreateWebhookEventIfNotExists(event)
	if err != nil {
		return ClaimInFlight, nil, err
	}
	if created {
		return ClaimProceed, stored, nil
	}

	switch stored.Status {
	case models.WebhookStatusCompleted:
		return ClaimDuplicate, stored, nil
	case models.WebhookStatusFailed:
		// The retry replaces the stored payload with this delivery's body:
		// only the redelivery whose signature was just checked may be applied.
		won, err := t.repo.RetryFailedWebhookEvent(stored.ID, event.EventType, in.PayloadJSON, in.SignatureValid)
		if err != nil {
			return ClaimInFlight, stored, err
		}
		if !won {
			// A concurrent delivery re-claimed the event first.
			return ClaimInFlight, stored, nil
		}
		reloaded, err := t.repo.GetWebhookEvent(stored.ID)
		if err != nil {
			return ClaimInFlight, stored, err
		}
		return ClaimProceed, reloaded, nil
	default:
		return ClaimInFlight, stored, nil
	}
}

// Resolve records the outcome of applying a claimed event. A nil applyErr
// completes the event; anything else records it as failed and leaves
// redelivery to the provider.
func (t *Tracker) Resolve(ctx context.Context, eventID uint, applyErr error) error {
	_ = ctx
	if eventID == 0 {
		return errors.New("webhook event id is required")
	}
	if applyErr == nil {
		return t.repo.MarkWebhookCompleted(eventID)
	}
	return t.repo.MarkWebhookFailed(eventID, applyErr.Error())
}
