package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/threads"
	"gorm.io/gorm"
)

var (
	// ErrInvalidUserID indicates an empty user identifier.
	ErrInvalidUserID = errors.New("users: invalid user id")
	// ErrUsernameTaken indicates another user already holds the handle.
	ErrUsernameTaken = errors.New("users: username taken")
)

// ServiceConfig describes the dependencies required for username management.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages user handles. Handles are compared case-insensitively.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the username service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// SetUsername validates and stores the handle for userID. Re-registering the same handle is a no-op.
func (s *Service) SetUsername(ctx context.Context, userID, username string) error {
	id := normalize(userID)
	if id == "" {
		return ErrInvalidUserID
	}
	handle := normalize(username)
	if err := threads.ValidateUsername(handle); err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var holder Profile
		err := tx.Where("LOWER(username) = ?", strings.ToLower(handle)).Take(&holder).Error
		if err == nil && holder.UserID != id {
			return ErrUsernameTaken
		}
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var existing Profile
		err = tx.Where("user_id = ?", id).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			now := s.now().UTC()
			if err := tx.Create(&Profile{UserID: id, Username: handle, CreatedAt: now, UpdatedAt: now}).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		case existing.Username != handle:
			if err := tx.Model(&Profile{}).
				Where("user_id = ?", id).
				Updates(map[string]interface{}{"username": handle, "updated_at": s.now().UTC()}).
				Error; err != nil {
				return err
			}
		}
		s.cache.Store(id, handle)
		return nil
	})
}

// Username returns the handle registered for userID, or an empty string when none is.
func (s *Service) Username(ctx context.Context, userID string) (string, error) {
	id := normalize(userID)
	if id == "" {
		return "", ErrInvalidUserID
	}
	if cached, ok := s.cache.Load(id); ok {
		if handle, ok := cached.(string); ok {
			return handle, nil
		}
	}

	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", id).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	s.cache.Store(id, profile.Username)
	return profile.Username, nil
}
