package credits

import (
	"errors"
	"time"

	"github.com/Jalez/ui-designer-sub003/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides DB operations used by the credit service. Every mutation
// keeps the account row and its ledger entry in one transaction so a transport
// timeout can never leave a half-applied change behind.
type Repository interface {
	GetAccount(userID uint) (*models.CreditAccount, error)
	GetOrCreateAccount(userID uint) (*models.CreditAccount, error)
	DeductIfSufficient(userID uint, serviceName string, cost int64, metadata string) (*models.CreditAccount, bool, error)
	Grant(userID uint, amount int64, metadata string, resetDate *time.Time) (*models.CreditAccount, error)
	SetBalance(userID uint, newBalance int64, metadata string) (previous int64, account *models.CreditAccount, err error)
	ListTransactions(userID uint, limit, offset int) ([]models.CreditTransaction, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a credit repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetAccount(userID uint) (*models.CreditAccount, error) {
	var acct models.CreditAccount
	if err := r.db.Where("user_id = ?", userID).First(&acct).Error; err != nil {
		return nil, err
	}
	return &acct, nil
}

func (r *gormRepository) GetOrCreateAccount(userID uint) (*models.CreditAccount, error) {
	acct, err := r.GetAccount(userID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	// Insert-if-absent on the unique user index so concurrent first accesses
	// converge on a single zero-balance row.
	fresh := models.CreditAccount{UserID: userID}
	if err := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(&fresh).Error; err != nil {
		return nil, err
	}
	return r.GetAccount(userID)
}

// DeductIfSufficient decrements the balance by cost and appends the matching
// ledger row. The balance check and decrement are one conditional UPDATE, so
// two concurrent deductions can never drive the balance negative: the second
// one simply matches zero rows.
func (r *gormRepository) DeductIfSufficient(userID uint, serviceName string, cost int64, metadata string) (*models.CreditAccount, bool, error) {
	var acct models.CreditAccount
	applied := false

	err := r.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.CreditAccount{}).
			Where("user_id = ? AND current_credits >= ?", userID, cost).
			UpdateColumns(map[string]interface{}{
				"current_credits":    gorm.Expr("current_credits - ?", cost),
				"total_credits_used": gorm.Expr("total_credits_used + ?", cost),
				"updated_at":         time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Insufficient balance (or no account). No mutation happened.
			return nil
		}

		if err := tx.Where("user_id = ?", userID).First(&acct).Error; err != nil {
			return err
		}
		entry := models.CreditTransaction{
			UserID:          userID,
			TransactionType: models.CreditTransactionUse,
			ServiceName:     serviceName,
			CreditsUsed:     cost,
			CreditsBefore:   acct.CurrentCredits + cost,
			CreditsAfter:    acct.CurrentCredits,
			Metadata:        metadata,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !applied {
		return nil, false, nil
	}
	return &acct, true, nil
}

// Grant credits the account by amount and appends an earn ledger row. A
// non-nil resetDate additionally stamps last_reset_date (used on renewals).
func (r *gormRepository) Grant(userID uint, amount int64, metadata string, resetDate *time.Time) (*models.CreditAccount, error) {
	var acct models.CreditAccount

	err := r.db.Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"current_credits":      gorm.Expr("current_credits + ?", amount),
			"total_credits_earned": gorm.Expr("total_credits_earned + ?", amount),
			"updated_at":           time.Now(),
		}
		if resetDate != nil {
			updates["last_reset_date"] = resetDate
		}
		res := tx.Model(&models.CreditAccount{}).Where("user_id = ?", userID).UpdateColumns(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		if err := tx.Where("user_id = ?", userID).First(&acct).Error; err != nil {
			return err
		}
		entry := models.CreditTransaction{
			UserID:          userID,
			TransactionType: models.CreditTransactionEarn,
			CreditsUsed:     amount,
			CreditsBefore:   acct.CurrentCredits - amount,
			CreditsAfter:    acct.CurrentCredits,
			Metadata:        metadata,
		}
		return tx.Create(&entry).Error
	})
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// SetBalance overwrites the balance unconditionally (admin override). The
// earned/used counters are retuned so the balance identity keeps holding.
func (r *gormRepository) SetBalance(userID uint, newBalance int64, metadata string) (int64, *models.CreditAccount, error) {
	var acct models.CreditAccount
	var previous int64

	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).First(&acct).Error; err != nil {
			return err
		}
		previous = acct.CurrentCredits

		updates := map[string]interface{}{
			"current_credits": newBalance,
			"updated_at":      time.Now(),
		}
		if diff := newBalance - previous; diff >= 0 {
			updates["total_credits_earned"] = acct.TotalCreditsEarned + diff
		} else {
			updates["total_credits_used"] = acct.TotalCreditsUsed - diff
		}
		if err := tx.Model(&models.CreditAccount{}).Where("user_id = ?", userID).UpdateColumns(updates).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", userID).First(&acct).Error; err != nil {
			return err
		}

		entry := models.CreditTransaction{
			UserID:          userID,
			TransactionType: models.CreditTransactionAdminAdjust,
			CreditsUsed:     abs64(newBalance - previous),
			CreditsBefore:   previous,
			CreditsAfter:    newBalance,
			Metadata:        metadata,
		}
		return tx.Create(&entry).Error
	})
	if err != nil {
		return 0, nil, err
	}
	return previous, &acct, nil
}

func (r *gormRepository) ListTransactions(userID uint, limit, offset int) ([]models.CreditTransaction, error) {
	var entries []models.CreditTransaction
	err := r.db.Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).Offset(offset).
		Find(&entries).Error
	return entries, err
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
