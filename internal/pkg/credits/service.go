package credits

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/Jalez/ui-designer-sub003/app/models"
	"gorm.io/gorm"
)

// Snapshot is the read shape of one credit account.
type Snapshot struct {
	CurrentCredits int64      `json:"current_credits"`
	TotalEarned    int64      `json:"total_earned"`
	TotalUsed      int64      `json:"total_used"`
	LastResetDate  *time.Time `json:"last_reset_date,omitempty"`
}

// AdminAdjustResult reports the balances around an admin override.
type AdminAdjustResult struct {
	PreviousCredits int64 `json:"previous_credits"`
	NewCredits      int64 `json:"new_credits"`
}

// SnapshotCache is an optional read cache for account snapshots. Mutations
// invalidate; stale reads are bounded by the cache TTL.
type SnapshotCache interface {
	Get(userID uint) (*Snapshot, bool)
	Set(userID uint, s *Snapshot)
	Invalidate(userID uint)
}

// Service orchestrates reads, self-service deductions and admin overrides
// against the account store and the ledger.
type Service struct {
	repo     Repository
	pricing  *PricingTable
	cache    SnapshotCache
	lazyInit bool
}

// NewService creates a credit service from an injected repository. A nil
// pricing table falls back to the default table; cache may be nil.
func NewService(repo Repository, pricing *PricingTable, cache SnapshotCache) *Service {
	if pricing == nil {
		pricing = DefaultPricingTable()
	}
	return &Service{repo: repo, pricing: pricing, cache: cache, lazyInit: true}
}

// NewServiceFromDB creates a credit service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, pricing *PricingTable, cache SnapshotCache) *Service {
	return NewService(NewRepository(db), pricing, cache)
}

// SetLazyInit toggles zero-balance account creation on first access.
func (s *Service) SetLazyInit(enabled bool) {
	s.lazyInit = enabled
}

// Pricing exposes the pricing table (read-only use).
func (s *Service) Pricing() *PricingTable {
	return s.pricing
}

// GetCredits returns the account snapshot for a user, creating a zero-balance
// account on first access when lazy initialization is enabled.
func (s *Service) GetCredits(ctx context.Context, userID uint) (*Snapshot, error) {
	_ = ctx
	if userID == 0 {
		return nil, ErrValidation
	}
	if s.cache != nil {
		if snap, ok := s.cache.Get(userID); ok {
			return snap, nil
		}
	}

	acct, err := s.account(userID)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		CurrentCredits: acct.CurrentCredits,
		TotalEarned:    acct.TotalCreditsEarned,
		TotalUsed:      acct.TotalCreditsUsed,
		LastResetDate:  acct.LastResetDate,
	}
	if s.cache != nil {
		s.cache.Set(userID, snap)
	}
	return snap, nil
}

// DeductCredits atomically charges the cost of one service invocation. It
// returns ok=false without any mutation when the balance is short; two
// concurrent calls whose sum exceeds the balance can never both succeed.
func (s *Service) DeductCredits(ctx context.Context, userID uint, serviceName string, size SizeParams, metadata map[string]interface{}) (bool, int64, error) {
	_ = ctx
	if userID == 0 || strings.TrimSpace(serviceName) == "" {
		return false, 0, ErrValidation
	}

	cost := s.pricing.Cost(serviceName, size)
	if _, err := s.repo.GetOrCreateAccount(userID); err != nil {
		return false, 0, err
	}

	meta := mergeMetadata(metadata, map[string]interface{}{
		"service": strings.TrimSpace(serviceName),
		"cost":    cost,
	})
	acct, ok, err := s.repo.DeductIfSufficient(userID, strings.TrimSpace(serviceName), cost, meta)
	if err != nil {
		return false, 0, err
	}
	if !ok {
		return false, 0, nil
	}
	if s.cache != nil {
		s.cache.Invalidate(userID)
	}
	return true, acct.CurrentCredits, nil
}

// AdminSetCredits overwrites the balance with an operator-supplied value and
// records the acting admin in the ledger metadata.
func (s *Service) AdminSetCredits(ctx context.Context, userID uint, newBalance int64, actorID uint) (*AdminAdjustResult, error) {
	_ = ctx
	if userID == 0 || actorID == 0 || newBalance < 0 {
		return nil, ErrValidation
	}

	if _, err := s.repo.GetOrCreateAccount(userID); err != nil {
		return nil, err
	}
	meta := mergeMetadata(nil, map[string]interface{}{
		"actor_id": actorID,
		"source":   "admin_override",
	})
	previous, acct, err := s.repo.SetBalance(userID, newBalance, meta)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Invalidate(userID)
	}
	return &AdminAdjustResult{PreviousCredits: previous, NewCredits: acct.CurrentCredits}, nil
}

// GrantCredits credits the account, typically from a subscription renewal. A
// non-nil resetDate stamps the account's last reset date.
func (s *Service) GrantCredits(ctx context.Context, userID uint, amount int64, metadata map[string]interface{}, resetDate *time.Time) (int64, error) {
	_ = ctx
	if userID == 0 || amount <= 0 {
		return 0, ErrValidation
	}

	if _, err := s.repo.GetOrCreateAccount(userID); err != nil {
		return 0, err
	}
	acct, err := s.repo.Grant(userID, amount, mergeMetadata(metadata, nil), resetDate)
	if err != nil {
		return 0, err
	}
	if s.cache != nil {
		s.cache.Invalidate(userID)
	}
	return acct.CurrentCredits, nil
}

// GetCreditHistory returns ledger entries most recent first.
func (s *Service) GetCreditHistory(ctx context.Context, userID uint, limit, offset int) ([]HistoryEntry, error) {
	_ = ctx
	if userID == 0 {
		return nil, ErrValidation
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.repo.ListTransactions(userID, limit, offset)
	if err != nil {
		return nil, err
	}
	entries := make([]HistoryEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, HistoryEntry{
			ID:            row.ID,
			Type:          row.TransactionType,
			ServiceName:   row.ServiceName,
			CreditsUsed:   row.CreditsUsed,
			CreditsBefore: row.CreditsBefore,
			CreditsAfter:  row.CreditsAfter,
			Metadata:      row.Metadata,
			CreatedAt:     row.CreatedAt,
		})
	}
	return entries, nil
}

// HistoryEntry is the external shape of one ledger row.
type HistoryEntry struct {
	ID            uint      `json:"id"`
	Type          string    `json:"type"`
	ServiceName   string    `json:"service_name,omitempty"`
	CreditsUsed   int64     `json:"credits_used"`
	CreditsBefore int64     `json:"credits_before"`
	CreditsAfter  int64     `json:"credits_after"`
	Metadata      string    `json:"metadata,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (s *Service) account(userID uint) (*models.CreditAccount, error) {
	if s.lazyInit {
		return s.repo.GetOrCreateAccount(userID)
	}
	acct, err := s.repo.GetAccount(userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return acct, nil
}

func mergeMetadata(user map[string]interface{}, extra map[string]interface{}) string {
	merged := make(map[string]interface{}, len(user)+len(extra))
	for k, v := range user {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	if len(merged) == 0 {
		return ""
	}
	b, err := json.Marshal(merged)
	if err != nil {
		return ""
	}
	return string(b)
}
