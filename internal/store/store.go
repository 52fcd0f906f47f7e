// Package store is the on-device database: cached channel lists, the
// local call history, push subscriptions and the persisted auth state.
package store

import (
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sitelink-io/sitelink/internal/models"
)

// ErrDuplicateRecord marks an attempt to write a call record whose call
// ID already exists. Records are immutable once written.
var ErrDuplicateRecord = errors.New("call record already exists")

type Store struct {
	db *gorm.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(
		&models.Channel{},
		&models.CallRecord{},
		&models.PushSubscription{},
		&models.AuthState{},
	); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &Store{db: db}, nil
}

// SaveRecord appends a finished call to the history. The record is
// never updated afterwards.
func (s *Store) SaveRecord(rec models.CallRecord) error {
	var count int64
	if err := s.db.Model(&models.CallRecord{}).Where("call_id = ?", rec.CallID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateRecord, rec.CallID)
	}
	return s.db.Create(&rec).Error
}

// ListRecords returns the call history, newest first.
func (s *Store) ListRecords(limit int) ([]models.CallRecord, error) {
	var recs []models.CallRecord
	q := s.db.Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// ReplaceChannels swaps the cached channel list for a fresh one from
// the backend.
func (s *Store) ReplaceChannels(channels []models.Channel) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.Channel{}).Error; err != nil {
			return err
		}
		if len(channels) == 0 {
			return nil
		}
		return tx.Create(&channels).Error
	})
}

// Channels returns the cached channel list.
func (s *Store) Channels() ([]models.Channel, error) {
	var channels []models.Channel
	if err := s.db.Order("name").Find(&channels).Error; err != nil {
		return nil, err
	}
	return channels, nil
}

// SavePushSubscription inserts or refreshes a companion-UI push
// subscription keyed by endpoint.
func (s *Store) SavePushSubscription(sub models.PushSubscription) error {
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "endpoint"}},
		UpdateAll: true,
	}).Create(&sub).Error
}

func (s *Store) DeletePushSubscription(endpoint string) error {
	return s.db.Where("endpoint = ?", endpoint).Delete(&models.PushSubscription{}).Error
}

func (s *Store) PushSubscriptions() ([]models.PushSubscription, error) {
	var subs []models.PushSubscription
	if err := s.db.Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

// SaveAuthState persists the backend session across restarts. A single
// row holds the current state.
func (s *Store) SaveAuthState(state models.AuthState) error {
	state.ID = 1
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&state).Error
}

// AuthState loads the persisted session, or nil when signed out.
func (s *Store) AuthState() (*models.AuthState, error) {
	var state models.AuthState
	err := s.db.First(&state, 1).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *Store) ClearAuthState() error {
	return s.db.Delete(&models.AuthState{}, 1).Error
}
