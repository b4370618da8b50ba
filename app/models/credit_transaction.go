package models

import "time"

// Transaction types recorded in the credit ledger.
const (
	CreditTransactionEarn        = "earn"
	CreditTransactionUse         = "use"
	CreditTransactionAdminAdjust = "admin_adjust"
)

// CreditTransaction is one append-only ledger row per balance mutation.
// CreditsUsed holds the magnitude of the change; CreditsBefore/CreditsAfter
// snapshot the account balance around it. Rows are immutable once written.
type CreditTransaction struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	UserID          uint      `gorm:"not null;index:idx_credit_transactions_user_created,priority:1" json:"user_id"`
	TransactionType string    `gorm:"type:varchar(20);not null;index" json:"transaction_type"`
	ServiceName     string    `gorm:"type:varchar(100);default:''" json:"service_name,omitempty"`
	CreditsUsed     int64     `gorm:"not null" json:"credits_used"`
	CreditsBefore   int64     `gorm:"not null" json:"credits_before"`
	CreditsAfter    int64     `gorm:"not null" json:"credits_after"`
	Metadata        string    `gorm:"type:text" json:"metadata,omitempty"`
	CreatedAt       time.Time `gorm:"autoCreateTime;index:idx_credit_transactions_user_created,priority:2" json:"created_at"`
}
