package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User belongs to exactly one tenant. Email is unique within the tenant.
type User struct {
	ID           uuid.UUID                   `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID     uuid.UUID                   `gorm:"type:uuid;not null;uniqueIndex:idx_users_tenant_email,priority:1" json:"tenant_id"`
	Tenant       *Tenant                     `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Email        string                      `gorm:"size:255;not null;uniqueIndex:idx_users_tenant_email,priority:2" json:"email"`
	PasswordHash string                      `gorm:"size:255;not null" json:"-"`
	FullName     *string                     `gorm:"size:255" json:"full_name,omitempty"`
	Roles        datatypes.JSONSlice[string] `gorm:"type:jsonb" json:"roles"`
	IsActive     bool                        `gorm:"not null" json:"is_active"`
	LastLoginAt  *time.Time                  `json:"last_login_at,omitempty"`
	CreatedAt    time.Time                   `json:"created_at"`
	UpdatedAt    time.Time                   `json:"updated_at"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if len(u.Roles) == 0 {
		u.Roles = datatypes.JSONSlice[string]{RoleUser}
	}
	return nil
}

// HasRole reports whether the user carries role.
func (u *User) HasRole(role string) bool {
	return slices.Contains(u.Roles, role)
}

// UserSession backs an issued access token. TokenID is the token's jti claim.
type UserSession struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	UserID     uuid.UUID  `gorm:"type:uuid;not null;index" json:"user_id"`
	User       *User      `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	TenantID   uuid.UUID  `gorm:"type:uuid;not null;index" json:"tenant_id"`
	TokenID    string     `gorm:"size:64;uniqueIndex;not null" json:"token_id"`
	UserAgent  *string    `gorm:"size:512" json:"user_agent,omitempty"`
	IPAddress  *string    `gorm:"size:64" json:"ip_address,omitempty"`
	ExpiresAt  time.Time  `gorm:"not null;index" json:"expires_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (s *UserSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// Active reports whether the session can still authenticate requests at now.
func (s *UserSession) Active(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}
