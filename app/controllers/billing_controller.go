package controllers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Jalez/ui-designer-sub003/app/models"
	"github.com/Jalez/ui-designer-sub003/app/repository"
	"github.com/Jalez/ui-designer-sub003/internal/pkg/billing"
	"github.com/Jalez/ui-designer-sub003/internal/pkg/env"
	"github.com/Jalez/ui-designer-sub003/internal/pkg/usercontext"
	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/sujit-baniya/flash"
	"gorm.io/gorm"
)

// BillingController receives provider webhooks and serves the subscription
// endpoints. Webhook side effects run behind the idempotency tracker; the
// response status tells the provider whether to redeliver.
type BillingController struct {
	tracker    *billing.Tracker
	reconciler *billing.Reconciler
	users      repository.UserRepository
}

// NewBillingController creates a billing controller with injected collaborators.
func NewBillingController(tracker *billing.Tracker, reconciler *billing.Reconciler, users repository.UserRepository) *BillingController {
	return &BillingController{tracker: tracker, reconciler: reconciler, users: users}
}

// HandleBillingWebhook processes one provider delivery. Duplicates of
// completed events are acked without side effects; transient failures are
// recorded and answered non-2xx so the provider redelivers.
func (bc *BillingController) HandleBillingWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := strings.TrimSpace(c.Get("Stripe-Signature"))
	secret := env.GetEnv("STRIPE_WEBHOOK_SECRET", "")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Best-effort extraction of the event identity; a garbled payload still
	// gets claimed (under a payload-hash id) and recorded as failed.
	eventID, eventType := "", ""
	if parsed, err := billing.ParseStripeWebhookEvent(rawBody); err == nil {
		eventID = parsed.ID
		eventType = parsed.Type
	}

	signatureValid := billing.VerifyStripeWebhookSignature(rawBody, signature, secret)
	outcome, stored, err := bc.tracker.Claim(ctx, billing.WebhookEventInput{
		Provider:       models.BillingProviderStripe,
		EventID:        eventID,
		EventType:      eventType,
		PayloadJSON:    string(rawBody),
		SignatureValid: signatureValid,
	})
	if err != nil {
		fiberlog.Errorf("[request %s] webhook claim failed: %v", correlationID(c), err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_persist_failed"})
	}
	switch outcome {
	case billing.ClaimDuplicate:
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	case billing.ClaimInFlight:
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "event_in_flight"})
	}

	if !signatureValid {
		_ = bc.tracker.Resolve(ctx, stored.ID, errors.New("invalid webhook signature"))
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
	}

	applyErr := bc.reconciler.ApplyEvent(ctx, stored)
	if resolveErr := bc.tracker.Resolve(ctx, stored.ID, applyErr); resolveErr != nil {
		fiberlog.Errorf("[request %s] webhook resolve failed: %v", correlationID(c), resolveErr)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_resolve_failed"})
	}
	if applyErr != nil {
		fiberlog.Errorf("[request %s] webhook apply failed: event=%s type=%s err=%v", correlationID(c), stored.EventID, stored.EventType, applyErr)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "event_apply_failed"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
}

// HandleGetSubscription returns the authoritative plan snapshot, back-filling
// the provider customer linkage when the provider already knows the user.
func (bc *BillingController) HandleGetSubscription(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)

	user, err := bc.users.GetByID(userCtx.UserID)
	if err != nil {
		return handleServiceError(c, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	plan, err := bc.reconciler.SyncFromProvider(ctx, userCtx.UserID, user.Email)
	if err != nil {
		fiberlog.Errorf("[request %s] subscription sync failed: %v", correlationID(c), err)
		return jsonError(c, fiber.StatusInternalServerError, "subscription lookup failed")
	}
	return c.JSON(subscriptionResponse(plan))
}

// HandleCreatePortalSession opens a provider-hosted billing management session.
func (bc *BillingController) HandleCreatePortalSession(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	returnURL := strings.TrimRight(env.GetEnv("PUBLIC_DOMAIN", ""), "/") + "/account/billing"
	url, err := bc.reconciler.Portal(ctx, userCtx.UserID, returnURL)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return jsonError(c, fiber.StatusNotFound, "no billing account linked")
		}
		fiberlog.Errorf("[request %s] portal session failed: %v", correlationID(c), err)
		return jsonError(c, fiber.StatusInternalServerError, "portal session failed")
	}
	return c.JSON(fiber.Map{"url": url})
}

// HandleCancelSubscription flags the subscription to end at period end.
// Remaining credits stay spendable until then.
func (bc *BillingController) HandleCancelSubscription(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	plan, err := bc.reconciler.CancelSubscription(ctx, userCtx.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return jsonError(c, fiber.StatusNotFound, "no active subscription")
		}
		fiberlog.Errorf("[request %s] subscription cancel failed: %v", correlationID(c), err)
		return jsonError(c, fiber.StatusInternalServerError, "subscription cancel failed")
	}
	return c.JSON(subscriptionResponse(plan))
}

// HandlePortalRedirect is the web-flow variant of the portal endpoint: it
// sends the browser straight to the provider-hosted session.
func (bc *BillingController) HandlePortalRedirect(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Redirect("/login", fiber.StatusSeeOther)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	returnURL := strings.TrimRight(env.GetEnv("PUBLIC_DOMAIN", ""), "/") + "/account/billing"
	url, err := bc.reconciler.Portal(ctx, userCtx.UserID, returnURL)
	if err != nil {
		return flash.WithError(c, fiber.Map{"type": "error", "message": "Billing portal is not available"}).Redirect("/account/billing")
	}
	return c.Redirect(url, fiber.StatusSeeOther)
}

func subscriptionResponse(plan *models.UserPlan) fiber.Map {
	return fiber.Map{
		"plan_name":            plan.PlanName,
		"status":               plan.Status,
		"current_period_end":   plan.CurrentPeriodEnd,
		"cancel_at_period_end": plan.CancelAtPeriodEnd,
		"has_billing_account":  plan.ProviderCustomerID != "",
	}
}
