package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/KingInYellow18/medianest/auth/jwt"
)

// userRow maps the users table.
type userRow struct {
	ID         string  `gorm:"primaryKey;size:64"`
	Username   string  `gorm:"uniqueIndex;size:80;not null"`
	Email      *string `gorm:"uniqueIndex;size:120"`
	IsAdmin    bool    `gorm:"not null"`
	IsActive   bool    `gorm:"not null"`
	IsBanned   bool    `gorm:"not null"`
	ProviderID *string `gorm:"size:128"`

	// PasswordHash is null for accounts without a local password.
	PasswordHash *string `gorm:"size:255"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (userRow) TableName() string { return "users" }

func (r *userRow) record() *Record {
	rec := &Record{
		ID:       r.ID,
		Username: r.Username,
		Role:     RoleFor(r.IsAdmin),
		Active:   r.IsActive,
		Banned:   r.IsBanned,
	}
	if r.Email != nil {
		rec.Email = *r.Email
	}
	if r.ProviderID != nil {
		rec.Provider = jwt.Provider(*r.ProviderID)
	}
	if r.PasswordHash != nil {
		rec.PasswordHash = *r.PasswordHash
	}
	return rec
}

func rowFromRecord(rec *Record) *userRow {
	row := &userRow{
		ID:       rec.ID,
		Username: rec.Username,
		IsAdmin:  rec.Role == RoleAdmin,
		IsActive: rec.Active,
		IsBanned: rec.Banned,
	}
	if rec.Email != "" {
		email := rec.Email
		row.Email = &email
	}
	if id, ok := rec.Provider.Get(); ok {
		row.ProviderID = &id
	}
	if rec.PasswordHash != "" {
		hash := rec.PasswordHash
		row.PasswordHash = &hash
	}
	return row
}

// GormStore reads users through gorm.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an open gorm handle.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// OpenGormStore opens a GormStore for driver "postgres" or "sqlite".
func OpenGormStore(driver, dsn string) (*GormStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported user store driver: %s", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect user store: %w", err)
	}
	return NewGormStore(db), nil
}

// AutoMigrate creates the users table. Production schemas come from the
// migrations package; this is for sqlite and tests.
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(&userRow{})
}

func (s *GormStore) FindByID(ctx context.Context, userID string) (*Record, error) {
	var row userRow
	err := s.db.WithContext(ctx).Where("id = ?", userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.record(), nil
}

// FindByUsername matches case-insensitively.
func (s *GormStore) FindByUsername(ctx context.Context, username string) (*Record, error) {
	var row userRow
	err := s.db.WithContext(ctx).Where("LOWER(username) = LOWER(?)", username).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.record(), nil
}

// Save inserts or fully replaces the user.
func (s *GormStore) Save(ctx context.Context, rec *Record) error {
	row := rowFromRecord(rec)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "email", "is_admin", "is_active", "is_banned", "provider_id", "password_hash", "updated_at"}),
	}).Create(row).Error
}

// SetActive flips the active flag of userID.
func (s *GormStore) SetActive(ctx context.Context, userID string, active bool) error {
	res := s.db.WithContext(ctx).Model(&userRow{}).Where("id = ?", userID).Update("is_active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}
