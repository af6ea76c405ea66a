package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

func initDB(path string) (*gorm.DB, error) {
	newLogger := logger.New(
		log.New(log.Writer(), "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	if path == "" {
		path = "bot.db"
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: newLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

func migrate(db *gorm.DB) error {
	err := db.AutoMigrate(&IdentityRecord{}, &UserRecord{}, &BlacklistEntry{}, &CaptchaChallenge{})
	if err != nil {
		return fmt.Errorf("failed to migrate database schema: %w", err)
	}
	return nil
}

// gormStore is the relational Store backend.
type gormStore struct {
	db *gorm.DB
}

func newGormStore(db *gorm.DB) *gormStore {
	return &gormStore{db: db}
}

func (s *gormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// first runs a retried single-row lookup and maps gorm's not-found error.
func first[T any](ctx context.Context, db *gorm.DB, query func(tx *gorm.DB) *gorm.DB) (*T, error) {
	return withRetry(ctx, defaultRetryAttempts, isTransientStoreError, func(ctx context.Context) (*T, error) {
		var out T
		err := query(db.WithContext(ctx)).First(&out).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		return &out, nil
	})
}

// Identity records

func (s *gormStore) CreateIdentity(ctx context.Context, rec *IdentityRecord) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

func (s *gormStore) FindByCopy(ctx context.Context, kind MessageKind, destChatID int64, copyID int) (*IdentityRecord, error) {
	return first[IdentityRecord](ctx, s.db, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("kind = ? AND destination_chat_id = ? AND copy_message_id = ?", kind, destChatID, copyID)
	})
}

func (s *gormStore) FindLatestByOriginal(ctx context.Context, kind MessageKind, sourceChatID int64, originalID int) (*IdentityRecord, error) {
	return first[IdentityRecord](ctx, s.db, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("kind = ? AND source_chat_id = ? AND original_message_id = ?", kind, sourceChatID, originalID).
			Order("created_at desc").Order("id desc")
	})
}

func (s *gormStore) ReplaceIdentity(ctx context.Context, old, next *IdentityRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := deleteIdentity(tx, old); err != nil {
			return err
		}
		next.ID = 0
		return tx.Create(next).Error
	})
}

func (s *gormStore) DeleteIdentity(ctx context.Context, rec *IdentityRecord) error {
	return deleteIdentity(s.db.WithContext(ctx), rec)
}

func deleteIdentity(tx *gorm.DB, rec *IdentityRecord) error {
	return tx.Where("kind = ? AND destination_chat_id = ? AND copy_message_id = ?",
		rec.Kind, rec.DestinationChatID, rec.CopyMessageID).
		Delete(&IdentityRecord{}).Error
}

func (s *gormStore) DeleteIdentitiesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&IdentityRecord{})
	return res.RowsAffected, res.Error
}

// Users

func (s *gormStore) GetUser(ctx context.Context, userID int64) (*UserRecord, error) {
	return first[UserRecord](ctx, s.db, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("user_id = ?", userID)
	})
}

func (s *gormStore) EnsureUser(ctx context.Context, userID int64, nickname string, now time.Time) (*UserRecord, error) {
	user := UserRecord{
		UserID:    userID,
		Nickname:  nickname,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&user).Error
	if err != nil {
		return nil, fmt.Errorf("failed to create user %d: %w", userID, err)
	}

	existing, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if nickname != "" && existing.Nickname != nickname {
		if err := s.updateUser(ctx, userID, map[string]any{"nickname": nickname}, now); err != nil {
			return nil, err
		}
		existing.Nickname = nickname
	}
	return existing, nil
}

func (s *gormStore) updateUser(ctx context.Context, userID int64, fields map[string]any, now time.Time) error {
	fields["updated_at"] = now
	return s.db.WithContext(ctx).Model(&UserRecord{}).Where("user_id = ?", userID).Updates(fields).Error
}

func (s *gormStore) IncrementMsgCount(ctx context.Context, userID int64, now time.Time) error {
	return s.updateUser(ctx, userID, map[string]any{"msg_count": gorm.Expr("msg_count + 1")}, now)
}

func (s *gormStore) IncrementAuditedCount(ctx context.Context, userID int64, now time.Time) (int, error) {
	var count int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&UserRecord{}).Where("user_id = ?", userID).
			Updates(map[string]any{"audited_count": gorm.Expr("audited_count + 1"), "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		var user UserRecord
		if err := tx.Where("user_id = ?", userID).First(&user).Error; err != nil {
			return err
		}
		count = user.AuditedCount
		return nil
	})
	return count, err
}

func (s *gormStore) SetAuditPassed(ctx context.Context, userID int64, passed bool, now time.Time) error {
	return s.updateUser(ctx, userID, map[string]any{"is_audit_passed": passed}, now)
}

func (s *gormStore) SetCaptchaPassed(ctx context.Context, userID int64, passed bool, now time.Time) error {
	return s.updateUser(ctx, userID, map[string]any{"is_captcha_passed": passed}, now)
}

func (s *gormStore) ResetAudit(ctx context.Context, userID int64, now time.Time) error {
	return s.updateUser(ctx, userID, map[string]any{"audited_count": 0, "is_audit_passed": false}, now)
}

func (s *gormStore) ResetCaptcha(ctx context.Context, userID int64, now time.Time) error {
	return s.updateUser(ctx, userID, map[string]any{"is_captcha_passed": false}, now)
}

// Blacklist

func (s *gormStore) GetBlacklistEntry(ctx context.Context, userID int64) (*BlacklistEntry, error) {
	return first[BlacklistEntry](ctx, s.db, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("user_id = ?", userID)
	})
}

func (s *gormStore) AddBlacklistEntry(ctx context.Context, entry *BlacklistEntry) error {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(entry)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyBlacklisted
	}
	return nil
}

func (s *gormStore) RemoveBlacklistEntry(ctx context.Context, userID int64) error {
	res := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&BlacklistEntry{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotBlacklisted
	}
	return nil
}

func (s *gormStore) ListBlacklist(ctx context.Context) ([]BlacklistEntry, error) {
	return withRetry(ctx, defaultRetryAttempts, isTransientStoreError, func(ctx context.Context) ([]BlacklistEntry, error) {
		var entries []BlacklistEntry
		err := s.db.WithContext(ctx).Order("created_at asc").Order("id asc").Find(&entries).Error
		return entries, err
	})
}

// CAPTCHA challenges

func (s *gormStore) GetActiveChallenge(ctx context.Context, userID int64, now time.Time) (*CaptchaChallenge, error) {
	return first[CaptchaChallenge](ctx, s.db, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("user_id = ? AND expires_at > ?", userID, now)
	})
}

func (s *gormStore) SaveChallenge(ctx context.Context, c *CaptchaChallenge) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", c.UserID).Delete(&CaptchaChallenge{}).Error; err != nil {
			return err
		}
		c.ID = 0
		return tx.Create(c).Error
	})
}

func (s *gormStore) IncrementRetries(ctx context.Context, userID int64) (int, error) {
	return s.incrementChallenge(ctx, userID, map[string]any{"retries": gorm.Expr("retries + 1")}, func(c *CaptchaChallenge) int {
		return c.Retries
	})
}

func (s *gormStore) RecordRefresh(ctx context.Context, userID int64, now time.Time) (int, error) {
	return s.incrementChallenge(ctx, userID, map[string]any{
		"refresh_count":   gorm.Expr("refresh_count + 1"),
		"last_refresh_at": now,
	}, func(c *CaptchaChallenge) int {
		return c.RefreshCount
	})
}

func (s *gormStore) incrementChallenge(ctx context.Context, userID int64, fields map[string]any, pick func(*CaptchaChallenge) int) (int, error) {
	var value int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&CaptchaChallenge{}).Where("user_id = ?", userID).Updates(fields)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		var c CaptchaChallenge
		if err := tx.Where("user_id = ?", userID).First(&c).Error; err != nil {
			return err
		}
		value = pick(&c)
		return nil
	})
	return value, err
}

func (s *gormStore) DeleteChallenge(ctx context.Context, userID int64) error {
	return s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&CaptchaChallenge{}).Error
}

func (s *gormStore) DeleteExpiredChallenges(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at < ?", now).Delete(&CaptchaChallenge{})
	return res.RowsAffected, res.Error
}
