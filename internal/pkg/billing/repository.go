package billing

import (
	"time"

	"github.com/Jalez/ui-designer-sub003/app/models"
	"github.com/Jalez/ui-designer-sub003/internal/pkg/credits"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides DB operations used by the webhook tracker and the
// subscription reconciler.
type Repository interface {
	CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	GetWebhookEvent(id uint) (*models.WebhookEvent, error)
	RetryFailedWebhookEvent(id uint, eventType, payloadJSON string, signatureValid bool) (bool, error)
	MarkWebhookCompleted(id uint) error
	MarkWebhookFailed(id uint, lastError string) error

	GetUserPlan(userID uint) (*models.UserPlan, error)
	GetOrCreateUserPlan(userID uint) (*models.UserPlan, error)
	GetUserPlanByCustomerID(provider, customerID string) (*models.UserPlan, error)
	UpsertUserPlan(plan *models.UserPlan) error
	FindActivePlanMapping(provider, priceRef, interval string) (*models.PlanMapping, error)

	// Transaction runs fn with repository and credit-service views bound to
	// one transaction; any error rolls back every write inside it.
	Transaction(fn func(txRepo Repository, creditSvc *credits.Service) error) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.WebhookEvent
	if err := r.db.Where("provider = ? AND event_id = ?", event.Provider, event.EventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) GetWebhookEvent(id uint) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	if err := r.db.First(&event, id).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

// RetryFailedWebhookEvent moves a failed event back to processing and bumps
// the retry counter. The stored payload and signature verdict are replaced
// with the current delivery's values so a later apply never reads what an
// earlier, possibly unverified, delivery persisted. The status guard in the
// WHERE clause makes this safe against a concurrent redelivery claiming the
// same event: exactly one caller sees RowsAffected > 0.
func (r *gormRepository) RetryFailedWebhookEvent(id uint, eventType, payloadJSON string, signatureValid bool) (bool, error) {
	res := r.db.Model(&models.WebhookEvent{}).
		Where("id = ? AND status = ?", id, models.WebhookStatusFailed).
		Updates(map[string]interface{}{
			"status":          models.WebhookStatusProcessing,
			"event_type":      eventType,
			"payload_json":    payloadJSON,
			"signature_valid": signatureValid,
			"retry_count":     gorm.Expr("retry_count + ?", 1),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *gormRepository) MarkWebhookCompleted(id uint) error {
	now := time.Now()
	return r.db.Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":       models.WebhookStatusCompleted,
		"last_error":   "",
		"processed_at": &now,
	}).Error
}

func (r *gormRepository) MarkWebhookFailed(id uint, lastError string) error {
	return r.db.Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":     models.WebhookStatusFailed,
		"last_error": lastError,
	}).Error
}

func (r *gormRepository) GetUserPlan(userID uint) (*models.UserPlan, error) {
	var plan models.UserPlan
	if err := r.db.Where("user_id = ?", userID).First(&plan).Error; err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *gormRepository) GetOrCreateUserPlan(userID uint) (*models.UserPlan, error) {
	return models.GetOrCreateUserPlan(r.db, userID)
}

func (r *gormRepository) GetUserPlanByCustomerID(provider, customerID string) (*models.UserPlan, error) {
	var plan models.UserPlan
	err := r.db.Where("provider = ? AND provider_customer_id = ?", provider, customerID).
		First(&plan).Error
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *gormRepository) UpsertUserPlan(plan *models.UserPlan) error {
	if err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"plan_name",
			"provider",
			"provider_customer_id",
			"provider_subscription_id",
			"billing_interval",
			"status",
			"current_period_end",
			"cancel_at_period_end",
			"updated_at",
		}),
	}).Create(plan).Error; err != nil {
		return err
	}

	// Ensure ID is populated after upsert.
	return r.db.Where("user_id = ?", plan.UserID).First(plan).Error
}

func (r *gormRepository) Transaction(fn func(Repository, *credits.Service) error) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		return fn(NewRepository(tx), credits.NewServiceFromDB(tx, nil, nil))
	})
}

func (r *gormRepository) FindActivePlanMapping(provider, priceRef, interval string) (*models.PlanMapping, error) {
	var m models.PlanMapping
	err := r.db.
		Where("provider = ? AND provider_price_ref = ? AND billing_interval = ? AND is_active = ?", provider, priceRef, interval, true).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}
