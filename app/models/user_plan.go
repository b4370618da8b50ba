package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	BillingIntervalMonth   = "month"
	BillingIntervalYear    = "year"
	BillingIntervalUnknown = "unknown"
)

const (
	BillingStatusActive     = "active"
	BillingStatusTrialing   = "trialing"
	BillingStatusPastDue    = "past_due"
	BillingStatusCanceled   = "canceled"
	BillingStatusIncomplete = "incomplete"
	BillingStatusExpired    = "expired"
	BillingStatusPaused     = "paused"
)

// UserPlan mirrors the provider subscription state for one user and maps it to
// an internal plan used by entitlements. Written only by the subscription
// reconciler and explicit plan-change operations.
type UserPlan struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	UserID                 uint       `gorm:"not null;uniqueIndex:ux_user_plans_user" json:"user_id"`
	PlanName               string     `gorm:"type:varchar(50);not null;default:'free';index" json:"plan_name"`
	Provider               string     `gorm:"type:varchar(20);not null;default:'stripe'" json:"provider"`
	ProviderCustomerID     string     `gorm:"type:varchar(191);default:'';index" json:"provider_customer_id"`
	ProviderSubscriptionID string     `gorm:"type:varchar(191);default:'';index" json:"provider_subscription_id"`
	BillingInterval        string     `gorm:"type:varchar(16);not null;default:'unknown'" json:"billing_interval"`
	Status                 string     `gorm:"type:varchar(32);not null;default:'active';index" json:"status"`
	CurrentPeriodEnd       *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool       `gorm:"default:false" json:"cancel_at_period_end"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// GetOrCreateUserPlan returns the existing plan row or creates a free default.
func GetOrCreateUserPlan(db *gorm.DB, userID uint) (*UserPlan, error) {
	var up UserPlan
	if err := db.Where("user_id = ?", userID).First(&up).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			up = UserPlan{UserID: userID, PlanName: "free", Provider: BillingProviderStripe, Status: BillingStatusActive}
			if err := db.Create(&up).Error; err != nil {
				return nil, err
			}
			return &up, nil
		}
		return nil, err
	}
	return &up, nil
}

// IsEntitling reports whether the plan status currently grants entitlements.
func (up *UserPlan) IsEntitling() bool {
	switch up.Status {
	case BillingStatusActive, BillingStatusTrialing, BillingStatusPastDue:
		return true
	default:
		return false
	}
}
