package users

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pagelift/coedit/backend/internal/collab"
	"gorm.io/gorm"
)

// ErrUnknownCollaborator indicates a lookup for a user id never seen before.
var ErrUnknownCollaborator = errors.New("users: unknown collaborator")

// ServiceConfig describes the dependencies for collaborator bookkeeping.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service tracks collaborator display names as they are observed at
// token issue time.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// Touch records that a collaborator was seen, updating the stored display
// name when it changed. Returns the display name to use for the session,
// preferring the freshly supplied one.
func (s *Service) Touch(userID collab.UserID, displayName collab.DisplayName) (collab.DisplayName, error) {
	name := normalize(displayName.String())

	var profile Profile
	err := s.db.
		Where("user_id = ?", userID.String()).
		First(&profile).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if name == "" {
			name = userID.String()
		}
		profile = Profile{
			UserID:      userID.String(),
			DisplayName: name,
			LastSeenAt:  s.now().UTC(),
		}
		if err := s.db.Create(&profile).Error; err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	} else {
		updates := map[string]interface{}{"last_seen_at": s.now().UTC()}
		if name != "" && name != profile.DisplayName {
			updates["display_name"] = name
		} else {
			name = profile.DisplayName
		}
		if err := s.db.Model(&Profile{}).
			Where("user_id = ?", userID.String()).
			Updates(updates).
			Error; err != nil {
			return "", err
		}
	}

	s.cache.Store(userID.String(), name)
	return collab.DisplayName(name), nil
}

// DisplayNameOf returns the last-known display name for a collaborator.
func (s *Service) DisplayNameOf(userID collab.UserID) (collab.DisplayName, error) {
	if cached, ok := s.cache.Load(userID.String()); ok {
		if name, ok := cached.(string); ok {
			return collab.DisplayName(name), nil
		}
	}

	var profile Profile
	err := s.db.
		Where("user_id = ?", userID.String()).
		First(&profile).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrUnknownCollaborator
	}
	if err != nil {
		return "", err
	}
	s.cache.Store(userID.String(), profile.DisplayName)
	return collab.DisplayName(profile.DisplayName), nil
}
