package store

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"recapflow/api-gateway/models"
)

func (s *Store) CreateTenant(ctx context.Context, t *models.Tenant) error {
	return translate(s.db.WithContext(ctx).Create(t).Error, "create tenant")
}

func (s *Store) GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	var t models.Tenant
	if err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, translate(err, "get tenant")
	}
	return &t, nil
}

func (s *Store) GetTenantByName(ctx context.Context, name string) (*models.Tenant, error) {
	var t models.Tenant
	if err := s.db.WithContext(ctx).First(&t, "name = ?", name).Error; err != nil {
		return nil, translate(err, "get tenant by name")
	}
	return &t, nil
}

func (s *Store) ListTenants(ctx context.Context, page Page) ([]models.Tenant, int64, error) {
	var (
		tenants []models.Tenant
		total   int64
	)
	q := s.db.WithContext(ctx).Model(&models.Tenant{})
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, translate(err, "count tenants")
	}
	if err := page.apply(q.Order("created_at ASC")).Find(&tenants).Error; err != nil {
		return nil, 0, translate(err, "list tenants")
	}
	return tenants, total, nil
}

// SaveTenant writes every field of t.
func (s *Store) SaveTenant(ctx context.Context, t *models.Tenant) error {
	return translate(s.db.WithContext(ctx).Save(t).Error, "save tenant")
}

func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	return translate(s.db.WithContext(ctx).Create(u).Error, "create user")
}

func (s *Store) GetUser(ctx context.Context, tenantID, id uuid.UUID) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).First(&u, "id = ? AND tenant_id = ?", id, tenantID).Error; err != nil {
		return nil, translate(err, "get user")
	}
	return &u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, tenantID uuid.UUID, email string) (*models.User, error) {
	var u models.User
	email = strings.ToLower(strings.TrimSpace(email))
	if err := s.db.WithContext(ctx).First(&u, "tenant_id = ? AND email = ?", tenantID, email).Error; err != nil {
		return nil, translate(err, "get user by email")
	}
	return &u, nil
}

func (s *Store) ListUsers(ctx context.Context, tenantID uuid.UUID) ([]models.User, error) {
	var users []models.User
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("created_at ASC").Find(&users).Error
	return users, translate(err, "list users")
}

func (s *Store) SaveUser(ctx context.Context, u *models.User) error {
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	return translate(s.db.WithContext(ctx).Save(u).Error, "save user")
}

func (s *Store) TouchUserLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Update("last_login_at", at).Error
	return translate(err, "touch user login")
}

func (s *Store) CreateSession(ctx context.Context, sess *models.UserSession) error {
	return translate(s.db.WithContext(ctx).Create(sess).Error, "create session")
}

func (s *Store) GetSessionByTokenID(ctx context.Context, tokenID string) (*models.UserSession, error) {
	var sess models.UserSession
	if err := s.db.WithContext(ctx).First(&sess, "token_id = ?", tokenID).Error; err != nil {
		return nil, translate(err, "get session")
	}
	return &sess, nil
}

func (s *Store) TouchSession(ctx context.Context, id uuid.UUID, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.UserSession{}).Where("id = ?", id).Update("last_seen_at", at).Error
	return translate(err, "touch session")
}

// RevokeSession marks the session revoked. Revoking twice keeps the first timestamp.
func (s *Store) RevokeSession(ctx context.Context, tokenID string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.UserSession{}).
		Where("token_id = ? AND revoked_at IS NULL", tokenID).
		Update("revoked_at", at)
	if res.Error != nil {
		return translate(res.Error, "revoke session")
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetSessionByTokenID(ctx, tokenID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CountUsers(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.User{}).Where("tenant_id = ?", tenantID).Count(&n).Error
	return n, translate(err, "count users")
}

// DeleteTenant removes the tenant. Users, projects and everything below them
// go by cascade; outbox messages and audit logs carry no foreign key and are
// removed here.
func (s *Store) DeleteTenant(ctx context.Context, id uuid.UUID) error {
	return s.Transaction(ctx, func(tx *Store) error {
		db := tx.db.WithContext(ctx)
		if err := db.Where("tenant_id = ?", id).Delete(&models.OutboxMessage{}).Error; err != nil {
			return translate(err, "delete tenant outbox")
		}
		if err := db.Where("tenant_id = ?", id).Delete(&models.AuditLog{}).Error; err != nil {
			return translate(err, "delete tenant audit logs")
		}
		res := db.Where("id = ?", id).Delete(&models.Tenant{})
		if res.Error != nil {
			return translate(res.Error, "delete tenant")
		}
		if res.RowsAffected == 0 {
			return translate(ErrNotFound, "delete tenant")
		}
		return nil
	})
}
