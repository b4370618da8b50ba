package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Jalez/ui-designer-sub003/app/models"
	"github.com/Jalez/ui-designer-sub003/internal/pkg/credits"
	"github.com/Jalez/ui-designer-sub003/internal/pkg/entitlements"
	"gorm.io/gorm"
)

// ProviderClient is the payment-provider surface used for reconciliation.
type ProviderClient interface {
	FindCustomerByEmail(ctx context.Context, email string) (*StripeCustomer, error)
	ListSubscriptions(ctx context.Context, customerID string) ([]StripeSubscription, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*StripeSubscription, error)
}

// Reconciler applies claimed provider events to the user plan and the credit
// account, and offers an on-demand read path against the provider's
// authoritative state. Event application is all-or-nothing: the plan update
// and the credit grant commit in one transaction, or neither does.
type Reconciler struct {
	repo     Repository
	provider ProviderClient
}

// NewReconciler creates a reconciler over a GORM DB handle and a provider client.
func NewReconciler(db *gorm.DB, provider ProviderClient) *Reconciler {
	return NewReconcilerFromRepo(NewRepository(db), provider)
}

// NewReconcilerFromRepo creates a reconciler from an injected repository.
func NewReconcilerFromRepo(repo Repository, provider ProviderClient) *Reconciler {
	return &Reconciler{repo: repo, provider: provider}
}

// ApplyEvent applies the side effects of one claimed webhook event. Events for
// customers with no local plan linkage are ignored without error; unknown
// event types are ignored as well.
func (r *Reconciler) ApplyEvent(ctx context.Context, evt *models.WebhookEvent) error {
	parsed, err := ParseStripeWebhookEvent([]byte(evt.PayloadJSON))
	if err != nil {
		return err
	}

	switch parsed.Type {
	case "invoice.paid", "invoice.payment_succeeded":
		return r.applyRenewal(ctx, evt, parsed)
	case "customer.subscription.created", "customer.subscription.updated":
		return r.applySubscriptionUpdate(ctx, parsed)
	case "customer.subscription.deleted":
		return r.applyCancellation(ctx, parsed)
	default:
		// Not a subscription-affecting event.
		return nil
	}
}

// applyRenewal grants the plan-sized monthly credits and refreshes the plan
// period in one transaction.
func (r *Reconciler) applyRenewal(ctx context.Context, evt *models.WebhookEvent, parsed *StripeEvent) error {
	plan, err := r.repo.GetUserPlanByCustomerID(models.BillingProviderStripe, parsed.CustomerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}

	planName := r.planNameForEvent(plan, parsed)
	grant := entitlements.MonthlyCredits(entitlements.Normalize(planName))
	now := time.Now().UTC()

	return r.repo.Transaction(func(txRepo Repository, creditSvc *credits.Service) error {
		updated := *plan
		updated.PlanName = planName
		updated.Status = models.BillingStatusActive
		if parsed.SubscriptionID != "" {
			updated.ProviderSubscriptionID = parsed.SubscriptionID
		}
		if parsed.Interval != "" {
			updated.BillingInterval = normalizeInterval(parsed.Interval)
		}
		if parsed.CurrentPeriodEnd != nil {
			updated.CurrentPeriodEnd = parsed.CurrentPeriodEnd
		}
		if err := txRepo.UpsertUserPlan(&updated); err != nil {
			return err
		}

		if grant <= 0 {
			return nil
		}
		_, err := creditSvc.GrantCredits(ctx, plan.UserID, grant, map[string]interface{}{
			"reason":   "subscription_renewal",
			"event_id": evt.EventID,
			"plan":     planName,
		}, &now)
		return err
	})
}

func (r *Reconciler) applySubscriptionUpdate(ctx context.Context, parsed *StripeEvent) error {
	_ = ctx
	plan, err := r.repo.GetUserPlanByCustomerID(models.BillingProviderStripe, parsed.CustomerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}

	updated := *plan
	updated.PlanName = r.planNameForEvent(plan, parsed)
	updated.ProviderSubscriptionID = parsed.SubscriptionID
	updated.Status = mapStripeStatus(parsed.Status)
	updated.BillingInterval = normalizeInterval(parsed.Interval)
	updated.CurrentPeriodEnd = parsed.CurrentPeriodEnd
	updated.CancelAtPeriodEnd = parsed.CancelAtPeriodEnd
	return r.repo.UpsertUserPlan(&updated)
}

// applyCancellation marks the plan canceled. Remaining credits are not revoked.
func (r *Reconciler) applyCancellation(ctx context.Context, parsed *StripeEvent) error {
	_ = ctx
	plan, err := r.repo.GetUserPlanByCustomerID(models.BillingProviderStripe, parsed.CustomerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}

	updated := *plan
	updated.Status = models.BillingStatusCanceled
	updated.CancelAtPeriodEnd = parsed.CancelAtPeriodEnd
	if parsed.CurrentPeriodEnd != nil {
		updated.CurrentPeriodEnd = parsed.CurrentPeriodEnd
	}
	return r.repo.UpsertUserPlan(&updated)
}

// SyncFromProvider reconciles the local plan with an authoritative provider
// snapshot. When the local plan lacks a customer linkage but the provider
// knows the user's email, the mapping is back-filled here instead of waiting
// for a webhook. Provider errors leave the local state untouched.
func (r *Reconciler) SyncFromProvider(ctx context.Context, userID uint, email string) (*models.UserPlan, error) {
	if userID == 0 {
		return nil, errors.New("user_id is required")
	}

	plan, err := r.repo.GetOrCreateUserPlan(userID)
	if err != nil {
		return nil, err
	}

	customerID := strings.TrimSpace(plan.ProviderCustomerID)
	if customerID == "" {
		customer, err := r.provider.FindCustomerByEmail(ctx, email)
		if err != nil {
			return nil, err
		}
		if customer == nil {
			// The provider has never seen this user.
			return plan, nil
		}
		customerID = customer.ID
	}

	subs, err := r.provider.ListSubscriptions(ctx, customerID)
	if err != nil {
		return nil, err
	}

	updated := *plan
	updated.ProviderCustomerID = customerID
	if best := r.pickBestSubscription(subs); best != nil {
		updated.ProviderSubscriptionID = best.ID
		updated.Status = mapStripeStatus(best.Status)
		updated.BillingInterval = normalizeInterval(best.Interval)
		updated.CurrentPeriodEnd = best.CurrentPeriodEnd
		updated.CancelAtPeriodEnd = best.CancelAtPeriodEnd
		updated.PlanName = r.resolvePlanForPrice(best.PriceID, best.Interval, plan.PlanName)
	}
	if err := r.repo.UpsertUserPlan(&updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// Portal opens a provider-hosted billing management session for the user.
func (r *Reconciler) Portal(ctx context.Context, userID uint, returnURL string) (string, error) {
	plan, err := r.repo.GetUserPlan(userID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(plan.ProviderCustomerID) == "" {
		return "", gorm.ErrRecordNotFound
	}
	return r.provider.CreatePortalSession(ctx, plan.ProviderCustomerID, returnURL)
}

// CancelSubscription asks the provider to end the subscription at period end
// and mirrors the resulting state locally.
func (r *Reconciler) CancelSubscription(ctx context.Context, userID uint) (*models.UserPlan, error) {
	plan, err := r.repo.GetUserPlan(userID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(plan.ProviderSubscriptionID) == "" {
		return nil, gorm.ErrRecordNotFound
	}

	sub, err := r.provider.CancelAtPeriodEnd(ctx, plan.ProviderSubscriptionID)
	if err != nil {
		return nil, err
	}

	updated := *plan
	updated.Status = mapStripeStatus(sub.Status)
	updated.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	if sub.CurrentPeriodEnd != nil {
		updated.CurrentPeriodEnd = sub.CurrentPeriodEnd
	}
	if err := r.repo.UpsertUserPlan(&updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

func (r *Reconciler) planNameForEvent(plan *models.UserPlan, parsed *StripeEvent) string {
	if parsed.PriceID == "" {
		return plan.PlanName
	}
	return r.resolvePlanForPrice(parsed.PriceID, parsed.Interval, plan.PlanName)
}

// resolvePlanForPrice resolves a provider price ref via the mapping table,
// preferring an exact interval match and falling back to "unknown" mappings.
func (r *Reconciler) resolvePlanForPrice(priceID, interval, fallback string) string {
	priceID = strings.TrimSpace(priceID)
	if priceID == "" {
		return fallback
	}

	m, err := r.repo.FindActivePlanMapping(models.BillingProviderStripe, priceID, normalizeInterval(interval))
	if err == nil {
		return normalizePlan(m.InternalPlan)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fallback
	}
	m, err = r.repo.FindActivePlanMapping(models.BillingProviderStripe, priceID, models.BillingIntervalUnknown)
	if err == nil {
		return normalizePlan(m.InternalPlan)
	}
	return fallback
}

// pickBestSubscription prefers entitling subscriptions, then the higher plan
// tier, then the latest period end.
func (r *Reconciler) pickBestSubscription(subs []StripeSubscription) *StripeSubscription {
	var best *StripeSubscription
	for i := range subs {
		sub := &subs[i]
		if best == nil {
			best = sub
			continue
		}
		bestEntitling := isEntitlingStatus(mapStripeStatus(best.Status))
		subEntitling := isEntitlingStatus(mapStripeStatus(sub.Status))
		if subEntitling != bestEntitling {
			if subEntitling {
				best = sub
			}
			continue
		}
		bestRank := planRank(r.resolvePlanForPrice(best.PriceID, best.Interval, ""))
		subRank := planRank(r.resolvePlanForPrice(sub.PriceID, sub.Interval, ""))
		if subRank != bestRank {
			if subRank > bestRank {
				best = sub
			}
			continue
		}
		if periodEnd(sub) > periodEnd(best) {
			best = sub
		}
	}
	return best
}

func periodEnd(sub *StripeSubscription) int64 {
	if sub.CurrentPeriodEnd == nil {
		return 0
	}
	return sub.CurrentPeriodEnd.Unix()
}

func mapStripeStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active":
		return models.BillingStatusActive
	case "trialing":
		return models.BillingStatusTrialing
	case "past_due", "unpaid":
		return models.BillingStatusPastDue
	case "canceled":
		return models.BillingStatusCanceled
	case "incomplete_expired":
		return models.BillingStatusExpired
	case "paused":
		return models.BillingStatusPaused
	default:
		return models.BillingStatusIncomplete
	}
}
