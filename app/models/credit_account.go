package models

import "time"

// CreditAccount tracks the spendable credit balance for one user.
// CurrentCredits must always equal TotalCreditsEarned - TotalCreditsUsed
// and never goes negative; all mutations run through the credit service.
type CreditAccount struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	UserID             uint       `gorm:"not null;uniqueIndex:ux_credit_accounts_user" json:"user_id"`
	CurrentCredits     int64      `gorm:"not null;default:0" json:"current_credits"`
	TotalCreditsEarned int64      `gorm:"not null;default:0" json:"total_credits_earned"`
	TotalCreditsUsed   int64      `gorm:"not null;default:0" json:"total_credits_used"`
	LastResetDate      *time.Time `gorm:"type:timestamp;default:null" json:"last_reset_date,omitempty"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
