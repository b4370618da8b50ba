package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/Jalez/ui-designer-sub003/internal/pkg/credits"
	"github.com/Jalez/ui-designer-sub003/internal/pkg/entitlements"
	"github.com/Jalez/ui-designer-sub003/internal/pkg/usercontext"
	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
)

// CreditController exposes the credit account over the JSON API.
type CreditController struct {
	svc *credits.Service
}

// NewCreditController creates a credit controller with an injected service.
func NewCreditController(svc *credits.Service) *CreditController {
	return &CreditController{svc: svc}
}

type updateCreditsRequest struct {
	// Admin path: unconditional balance set. json.Number keeps "abc" and
	// fractional values detectable as 400s instead of silently coercing.
	Credits *json.Number `json:"credits"`
	UserID  uint         `json:"user_id"`

	// Self-service path: priced service consumption.
	ServiceName string                 `json:"service_name"`
	SizeParams  *sizeParamsRequest     `json:"size_params"`
	Metadata    map[string]interface{} `json:"metadata"`
}

type sizeParamsRequest struct {
	Pages  int     `json:"pages"`
	SizeMB float64 `json:"size_mb"`
}

// HandleGetCredits returns the caller's balance snapshot.
func (cc *CreditController) HandleGetCredits(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	snap, err := cc.svc.GetCredits(ctx, userCtx.UserID)
	if err != nil {
		return handleServiceError(c, err)
	}
	return c.JSON(fiber.Map{
		"credits":         snap.CurrentCredits,
		"total_earned":    snap.TotalEarned,
		"total_used":      snap.TotalUsed,
		"last_reset_date": snap.LastResetDate,
	})
}

// HandleGetCreditHistory returns a page of the caller's ledger, newest first.
func (cc *CreditController) HandleGetCreditHistory(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	limit := c.QueryInt("limit", 20)
	offset := c.QueryInt("offset", 0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	entries, err := cc.svc.GetCreditHistory(ctx, userCtx.UserID, limit, offset)
	if err != nil {
		return handleServiceError(c, err)
	}
	return c.JSON(fiber.Map{
		"transactions": entries,
		"limit":        limit,
		"offset":       offset,
	})
}

// HandleUpdateCredits serves both credit mutations behind one route: a body
// carrying "credits" is an admin balance override, anything else is a
// self-service deduction for a priced service.
func (cc *CreditController) HandleUpdateCredits(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)

	var req updateCreditsRequest
	dec := json.NewDecoder(bytes.NewReader(c.Body()))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid request body")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if req.Credits != nil {
		return cc.adminSetCredits(c, ctx, userCtx, &req)
	}
	return cc.deductCredits(c, ctx, userCtx, &req)
}

func (cc *CreditController) adminSetCredits(c *fiber.Ctx, ctx context.Context, userCtx usercontext.UserContext, req *updateCreditsRequest) error {
	if !userCtx.IsAdmin {
		return jsonError(c, fiber.StatusForbidden, "admin required")
	}

	newBalance, err := req.Credits.Int64()
	if err != nil || newBalance < 0 {
		return jsonError(c, fiber.StatusBadRequest, "credits must be a non-negative integer")
	}
	targetID := req.UserID
	if targetID == 0 {
		targetID = userCtx.UserID
	}

	result, err := cc.svc.AdminSetCredits(ctx, targetID, newBalance, userCtx.UserID)
	if err != nil {
		return handleServiceError(c, err)
	}
	return c.JSON(fiber.Map{
		"success":          true,
		"previous_credits": result.PreviousCredits,
		"new_credits":      result.NewCredits,
	})
}

func (cc *CreditController) deductCredits(c *fiber.Ctx, ctx context.Context, userCtx usercontext.UserContext, req *updateCreditsRequest) error {
	serviceName := strings.TrimSpace(req.ServiceName)
	if serviceName == "" {
		return jsonError(c, fiber.StatusBadRequest, "service_name is required")
	}
	if !serviceAllowedForPlan(userCtx.Plan, serviceName) {
		return jsonError(c, fiber.StatusForbidden, "service not available on current plan")
	}
	if !cc.svc.Pricing().Known(serviceName) {
		// Unlisted names bill at the default cost; usually a client typo.
		fiberlog.Warnf("[request %s] unpriced service %q billed at default cost", correlationID(c), serviceName)
	}

	var size credits.SizeParams
	if req.SizeParams != nil {
		size = credits.SizeParams{Pages: req.SizeParams.Pages, SizeMB: req.SizeParams.SizeMB}
	}
	metadata := req.Metadata
	if rid := correlationID(c); rid != "" {
		if metadata == nil {
			metadata = map[string]interface{}{}
		}
		metadata["request_id"] = rid
	}

	ok, remaining, err := cc.svc.DeductCredits(ctx, userCtx.UserID, serviceName, size, metadata)
	if err != nil {
		return handleServiceError(c, err)
	}
	if !ok {
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
			"success": false,
			"error":   "Insufficient credits",
		})
	}
	return c.JSON(fiber.Map{
		"success":           true,
		"credits_remaining": remaining,
	})
}

// HandleAdminUpdateCredits is the admin-only balance override route; the
// route-level admin guard runs before it.
func (cc *CreditController) HandleAdminUpdateCredits(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)

	var req updateCreditsRequest
	dec := json.NewDecoder(bytes.NewReader(c.Body()))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.Credits == nil {
		return jsonError(c, fiber.StatusBadRequest, "credits is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return cc.adminSetCredits(c, ctx, userCtx, &req)
}

// serviceAllowedForPlan gates the AI-backed editor services by plan tier.
// Services without an entitlement rule are open to every plan.
func serviceAllowedForPlan(plan, serviceName string) bool {
	hint, review, generate := entitlements.AllowedAIServices(entitlements.Normalize(plan))
	switch strings.ToLower(serviceName) {
	case "ai_hint":
		return hint
	case "ai_solution_review":
		return review
	case "ai_layout_generate":
		return generate
	default:
		return true
	}
}
