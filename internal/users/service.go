package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/spherify/collab/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultCacheSize = 1024
	defaultCacheTTL  = 10 * time.Minute
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// Profile is the display metadata rendered next to a participant's cursor.
type Profile struct {
	UserID      string
	DisplayName string
	AvatarRef   string
}

// ServiceConfig describes the dependencies of the user directory.
type ServiceConfig struct {
	Database  *gorm.DB
	Clock     func() time.Time
	CacheSize int
	CacheTTL  time.Duration
	Logger    *zap.Logger
}

// Service resolves canonical user ids and their display metadata.
type Service struct {
	db       *gorm.DB
	now      func() time.Time
	profiles *expirable.LRU[string, Profile]
	subjects *expirable.LRU[string, string]
	logger   *zap.Logger
}

// NewService constructs the directory on top of a migrated database handle.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:       cfg.Database,
		now:      clock,
		profiles: expirable.NewLRU[string, Profile](size, nil, ttl),
		subjects: expirable.NewLRU[string, string](size, nil, ttl),
		logger:   logger,
	}, nil
}

// Lookup returns the display metadata of a canonical user id.
func (s *Service) Lookup(ctx context.Context, userID string) (string, string, bool) {
	userID = normalize(userID)
	if userID == "" {
		return "", "", false
	}
	if profile, ok := s.profiles.Get(userID); ok {
		return profile.DisplayName, profile.AvatarRef, true
	}

	var identity Identity
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("last_seen_at DESC").
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", "", false
	}
	if err != nil {
		s.logger.Warn("user directory lookup failed", zap.String("user_id", userID), zap.Error(err))
		return "", "", false
	}
	profile := Profile{UserID: identity.UserID, DisplayName: identity.DisplayName, AvatarRef: identity.AvatarURL}
	s.profiles.Add(userID, profile)
	return profile.DisplayName, profile.AvatarRef, true
}

// ResolveCanonicalUserID returns the canonical user id for the provided session claims.
// It records the provider+subject mapping and refreshes display metadata.
func (s *Service) ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if canonicalIdentifier, ok := s.subjects.Get(cacheKey); ok {
		return canonicalIdentifier, nil
	}

	db := s.db.WithContext(ctx)
	var identity Identity
	err := db.
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			Email:       normalize(claims.UserEmail),
			DisplayName: normalize(claims.UserDisplayName),
			AvatarURL:   normalize(claims.UserAvatarURL),
			LastSeenAt:  s.now(),
		}
		if err := db.Create(&identity).Error; err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	} else {
		updates := map[string]interface{}{}
		if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
			updates["user_email"] = email
		}
		if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
			identity.DisplayName = display
		}
		if avatar := normalize(claims.UserAvatarURL); avatar != "" && avatar != identity.AvatarURL {
			updates["user_avatar_url"] = avatar
			identity.AvatarURL = avatar
		}
		updates["last_seen_at"] = s.now()
		if err := db.Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error; err != nil {
			s.logger.Warn("user identity refresh failed", zap.String("user_id", identity.UserID), zap.Error(err))
		}
	}

	s.subjects.Add(cacheKey, identity.UserID)
	s.profiles.Add(identity.UserID, Profile{
		UserID:      identity.UserID,
		DisplayName: identity.DisplayName,
		AvatarRef:   identity.AvatarURL,
	})
	return identity.UserID, nil
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := "default"
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
