// Package apikeys manages long-lived scoped credentials for server-to-server
// access. Only a short prefix and a bcrypt hash are stored; the full key is
// shown once at issue time.
package apikeys

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/dkeye/WatchRoom/internal/domain"
)

const (
	keyPrefix          = "wrk"
	prefixLen          = 8
	secretLen          = 32
	ScopeTelemetryRead = "telemetry:read"
)

var (
	ErrNotFound = errors.New("api key not found")
	// ErrInvalid is also domain.ErrAuthRejected.
	ErrInvalid = fmt.Errorf("%w: invalid api key", domain.ErrAuthRejected)
	// ErrScope is also domain.ErrForbidden.
	ErrScope = fmt.Errorf("%w: api key lacks scope", domain.ErrForbidden)
)

type APIKey struct {
	ID         uint       `gorm:"primarykey" json:"-"`
	Prefix     string     `gorm:"size:8;uniqueIndex;not null" json:"prefix"`
	Hash       string     `gorm:"not null" json:"-"`
	Owner      string     `gorm:"size:64;index;not null" json:"owner"`
	Name       string     `gorm:"size:128" json:"name"`
	Scopes     string     `gorm:"not null" json:"scopes"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty"`
}

func (k APIKey) ScopeList() []string { return strings.Split(k.Scopes, ",") }

func (k APIKey) HasScope(scope string) bool { return slices.Contains(k.ScopeList(), scope) }

func AutoMigrate(db *gorm.DB) error { return db.AutoMigrate(&APIKey{}) }

type Service struct {
	db   *gorm.DB
	cost int
	now  func() time.Time
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db, cost: bcrypt.DefaultCost, now: time.Now}
}

func randomHex(n int) (string, error) {
	b := make([]byte, (n+1)/2)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b)[:n], nil
}

// Parse splits wrk_<prefix>_<secret>.
func Parse(raw string) (prefix, secret string, err error) {
	parts := strings.Split(raw, "_")
	if len(parts) != 3 || parts[0] != keyPrefix || len(parts[1]) != prefixLen || len(parts[2]) != secretLen {
		return "", "", ErrInvalid
	}
	return parts[1], parts[2], nil
}

func normalizeScopes(scopes []string) (string, error) {
	var out []string
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" || strings.Contains(s, ",") {
			continue
		}
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return "", errors.New("at least one scope is required")
	}
	return strings.Join(out, ","), nil
}

// Issue creates a key and returns its full text. The text is not recoverable
// afterwards.
func (s *Service) Issue(ctx context.Context, owner domain.UserID, name string, scopes []string) (string, APIKey, error) {
	if owner == "" {
		return "", APIKey{}, errors.New("owner is required")
	}
	joined, err := normalizeScopes(scopes)
	if err != nil {
		return "", APIKey{}, err
	}
	prefix, err := randomHex(prefixLen)
	if err != nil {
		return "", APIKey{}, fmt.Errorf("generate prefix: %w", err)
	}
	secret, err := randomHex(secretLen)
	if err != nil {
		return "", APIKey{}, fmt.Errorf("generate secret: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.cost)
	if err != nil {
		return "", APIKey{}, fmt.Errorf("hash key: %w", err)
	}
	key := APIKey{
		Prefix:    prefix,
		Hash:      string(hash),
		Owner:     string(owner),
		Name:      name,
		Scopes:    joined,
		CreatedAt: s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&key).Error; err != nil {
		return "", APIKey{}, fmt.Errorf("store key: %w", err)
	}
	return keyPrefix + "_" + prefix + "_" + secret, key, nil
}

func (s *Service) Revoke(ctx context.Context, prefix string) error {
	now := s.now().UTC()
	res := s.db.WithContext(ctx).Model(&APIKey{}).
		Where("prefix = ? AND revoked_at IS NULL", prefix).
		Update("revoked_at", &now)
	if res.Error != nil {
		return fmt.Errorf("revoke key: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns the keys of an owner, or every key when owner is empty.
func (s *Service) List(ctx context.Context, owner domain.UserID) ([]APIKey, error) {
	var keys []APIKey
	q := s.db.WithContext(ctx).Order("created_at")
	if owner != "" {
		q = q.Where("owner = ?", string(owner))
	}
	if err := q.Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

// Verify checks a presented key and that it carries scope.
func (s *Service) Verify(ctx context.Context, raw, scope string) (APIKey, error) {
	prefix, secret, err := Parse(raw)
	if err != nil {
		return APIKey{}, err
	}
	var key APIKey
	err = s.db.WithContext(ctx).Where("prefix = ?", prefix).First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return APIKey{}, ErrInvalid
	}
	if err != nil {
		return APIKey{}, fmt.Errorf("%w: load key: %v", domain.ErrStoreUnavailable, err)
	}
	if key.RevokedAt != nil {
		return APIKey{}, ErrInvalid
	}
	if bcrypt.CompareHashAndPassword([]byte(key.Hash), []byte(secret)) != nil {
		return APIKey{}, ErrInvalid
	}
	if !key.HasScope(scope) {
		return APIKey{}, ErrScope
	}
	now := s.now().UTC()
	// Usage tracking is advisory; a failed write does not reject the key.
	if err := s.db.WithContext(ctx).Model(&key).Update("last_used_at", &now).Error; err != nil {
		log.Warn().Err(err).Str("module", "apikeys").Str("prefix", key.Prefix).Msg("record key usage")
	}
	return key, nil
}
