package registry

import (
	"context"
	"errors"
	"fmt"

	"mailwarm/models"

	"gorm.io/gorm"
)

var (
	ErrAccountNotFound = errors.New("warmup account not found")
	ErrPersistence     = errors.New("account store unavailable")
)

// AccountStore is the persistence contract the engine reads accounts through.
type AccountStore interface {
	GetAccount(ctx context.Context, id uint) (*models.WarmupAccount, error)
	GetAccountByEmail(ctx context.Context, email string) (*models.WarmupAccount, error)
	ListEligible(ctx context.Context) ([]models.WarmupAccount, error)
	ListEnrolled(ctx context.Context) ([]models.WarmupAccount, error)
	SetStatus(ctx context.Context, id uint, status models.WarmupStatus) error
	UpdateRamp(ctx context.Context, id uint, ramp Ramp) error
}

// Ramp holds the user-tunable ramp-up curve of an account.
type Ramp struct {
	StartEmailsPerDay    int `json:"start_emails_per_day" validate:"required,min=1,max=500"`
	IncreaseEmailsPerDay int `json:"increase_emails_per_day" validate:"min=0,max=100"`
	MaxEmailsPerDay      int `json:"max_emails_per_day" validate:"required,min=1,max=2000,gtefield=StartEmailsPerDay"`
}

// GormStore implements AccountStore on the application database.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) GetAccount(ctx context.Context, id uint) (*models.WarmupAccount, error) {
	var account models.WarmupAccount
	if err := s.db.WithContext(ctx).First(&account, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("account %d: %w", id, ErrAccountNotFound)
		}
		return nil, fmt.Errorf("%w: get account %d: %v", ErrPersistence, id, err)
	}
	return &account, nil
}

func (s *GormStore) GetAccountByEmail(ctx context.Context, email string) (*models.WarmupAccount, error) {
	var account models.WarmupAccount
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("account %s: %w", email, ErrAccountNotFound)
		}
		return nil, fmt.Errorf("%w: get account %s: %v", ErrPersistence, email, err)
	}
	return &account, nil
}

// ListEligible returns active accounts ordered by id.
func (s *GormStore) ListEligible(ctx context.Context) ([]models.WarmupAccount, error) {
	var accounts []models.WarmupAccount
	if err := s.db.WithContext(ctx).
		Where("warmup_status = ?", models.WarmupActive).
		Order("id ASC").
		Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("%w: list eligible: %v", ErrPersistence, err)
	}
	return accounts, nil
}

// ListEnrolled returns active and paused accounts, the set day rollover walks.
func (s *GormStore) ListEnrolled(ctx context.Context) ([]models.WarmupAccount, error) {
	var accounts []models.WarmupAccount
	if err := s.db.WithContext(ctx).
		Where("warmup_status IN ?", []models.WarmupStatus{models.WarmupActive, models.WarmupPaused}).
		Order("id ASC").
		Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("%w: list enrolled: %v", ErrPersistence, err)
	}
	return accounts, nil
}

func (s *GormStore) SetStatus(ctx context.Context, id uint, status models.WarmupStatus) error {
	res := s.db.WithContext(ctx).Model(&models.WarmupAccount{}).
		Where("id = ?", id).
		Update("warmup_status", status)
	if res.Error != nil {
		return fmt.Errorf("%w: set status %d: %v", ErrPersistence, id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("account %d: %w", id, ErrAccountNotFound)
	}
	return nil
}

func (s *GormStore) UpdateRamp(ctx context.Context, id uint, ramp Ramp) error {
	// Lowering the curve must not leave today's counter above the new limit.
	limit := "CASE WHEN ? + ? * warmup_day_count < ? THEN ? + ? * warmup_day_count ELSE ? END"
	limitArgs := []interface{}{
		ramp.StartEmailsPerDay, ramp.IncreaseEmailsPerDay, ramp.MaxEmailsPerDay,
		ramp.StartEmailsPerDay, ramp.IncreaseEmailsPerDay, ramp.MaxEmailsPerDay,
	}
	clampArgs := append(append([]interface{}{}, limitArgs...), limitArgs...)

	res := s.db.WithContext(ctx).Model(&models.WarmupAccount{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"start_emails_per_day":    ramp.StartEmailsPerDay,
			"increase_emails_per_day": ramp.IncreaseEmailsPerDay,
			"max_emails_per_day":      ramp.MaxEmailsPerDay,
			"current_day_sent": gorm.Expr(
				"CASE WHEN current_day_sent > ("+limit+") THEN ("+limit+") ELSE current_day_sent END",
				clampArgs...,
			),
		})
	if res.Error != nil {
		return fmt.Errorf("%w: update ramp %d: %v", ErrPersistence, id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("account %d: %w", id, ErrAccountNotFound)
	}
	return nil
}
