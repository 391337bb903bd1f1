// Package tenancy creates and updates tenants and their users.
package tenancy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"recapflow/api-gateway/internal/identity"
	"recapflow/api-gateway/internal/store"
	"recapflow/api-gateway/models"
)

// ErrInvalid wraps request validation failures.
var ErrInvalid = errors.New("invalid request")

var validate = validator.New()

type CreateTenantRequest struct {
	Name                 string  `json:"name" validate:"required,max=100,hostname_rfc1123"`
	DisplayName          string  `json:"display_name" validate:"max=255"`
	BillingPlan          string  `json:"billing_plan,omitempty" validate:"omitempty,max=50"`
	QuotaStorageBytes    int64   `json:"quota_storage_bytes,omitempty" validate:"gte=0"`
	QuotaProcessingHours int     `json:"quota_processing_hours,omitempty" validate:"gte=0"`
	QuotaJobsPerMonth    int     `json:"quota_jobs_per_month,omitempty" validate:"gte=0"`
	Trigger              *string `json:"trigger,omitempty" validate:"omitempty,oneof=workflow notebook"`
}

type UpdateTenantRequest struct {
	DisplayName          *string `json:"display_name,omitempty" validate:"omitempty,max=255"`
	BillingPlan          *string `json:"billing_plan,omitempty" validate:"omitempty,max=50"`
	QuotaStorageBytes    *int64  `json:"quota_storage_bytes,omitempty" validate:"omitempty,gt=0"`
	QuotaProcessingHours *int    `json:"quota_processing_hours,omitempty" validate:"omitempty,gt=0"`
	QuotaJobsPerMonth    *int    `json:"quota_jobs_per_month,omitempty" validate:"omitempty,gt=0"`
	IsActive             *bool   `json:"is_active,omitempty"`
	Trigger              *string `json:"trigger,omitempty" validate:"omitempty,oneof=workflow notebook"`
}

type CreateUserRequest struct {
	Email    string   `json:"email" validate:"required,email,max=255"`
	Password string   `json:"password" validate:"required,min=8,max=72"`
	FullName *string  `json:"full_name,omitempty" validate:"omitempty,max=255"`
	Roles    []string `json:"roles,omitempty" validate:"omitempty,dive,oneof=user admin"`
}

func check(req any) error {
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// CreateTenant validates req and stores an active tenant. Zero quotas take the defaults.
func CreateTenant(ctx context.Context, st *store.Store, req CreateTenantRequest) (*models.Tenant, error) {
	req.Name = strings.ToLower(strings.TrimSpace(req.Name))
	if err := check(req); err != nil {
		return nil, err
	}
	t := &models.Tenant{
		Name:                 req.Name,
		DisplayName:          strings.TrimSpace(req.DisplayName),
		BillingPlan:          req.BillingPlan,
		QuotaStorageBytes:    req.QuotaStorageBytes,
		QuotaProcessingHours: req.QuotaProcessingHours,
		QuotaJobsPerMonth:    req.QuotaJobsPerMonth,
		IsActive:             true,
	}
	if t.DisplayName == "" {
		t.DisplayName = req.Name
	}
	if req.Trigger != nil {
		t.Settings = datatypes.NewJSONType(models.TenantSettings{Trigger: *req.Trigger})
	}
	err := st.Transaction(ctx, func(tx *store.Store) error {
		if err := tx.CreateTenant(ctx, t); err != nil {
			return err
		}
		return tx.Audit(ctx, store.AuditEntry{
			TenantID:     t.ID,
			ResourceType: models.ResourceTenant,
			ResourceID:   t.ID,
			Action:       "tenant.created",
			Level:        models.LogLevelInfo,
			Message:      fmt.Sprintf("Tenant %s created", t.Name),
		})
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// UpdateTenant applies the fields set in req.
func UpdateTenant(ctx context.Context, st *store.Store, id uuid.UUID, req UpdateTenantRequest) (*models.Tenant, error) {
	if err := check(req); err != nil {
		return nil, err
	}
	t, err := st.GetTenant(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.DisplayName != nil {
		t.DisplayName = strings.TrimSpace(*req.DisplayName)
	}
	if req.BillingPlan != nil {
		t.BillingPlan = *req.BillingPlan
	}
	if req.QuotaStorageBytes != nil {
		t.QuotaStorageBytes = *req.QuotaStorageBytes
	}
	if req.QuotaProcessingHours != nil {
		t.QuotaProcessingHours = *req.QuotaProcessingHours
	}
	if req.QuotaJobsPerMonth != nil {
		t.QuotaJobsPerMonth = *req.QuotaJobsPerMonth
	}
	if req.IsActive != nil {
		t.IsActive = *req.IsActive
	}
	if req.Trigger != nil {
		settings := t.Settings.Data()
		settings.Trigger = *req.Trigger
		t.Settings = datatypes.NewJSONType(settings)
	}
	if err := st.SaveTenant(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// CreateUser stores an active user of tenantID with a bcrypt password hash.
// Users without roles get the user role.
func CreateUser(ctx context.Context, st *store.Store, tenantID uuid.UUID, req CreateUserRequest) (*models.User, error) {
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if err := check(req); err != nil {
		return nil, err
	}
	if _, err := st.GetTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	hash, err := identity.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}
	roles := req.Roles
	if len(roles) == 0 {
		roles = []string{models.RoleUser}
	}
	u := &models.User{
		TenantID:     tenantID,
		Email:        req.Email,
		PasswordHash: hash,
		FullName:     req.FullName,
		Roles:        datatypes.JSONSlice[string](roles),
		IsActive:     true,
	}
	if err := st.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// DeleteTenant deactivates the tenant, which locks its users out and keeps its
// data. With hard set the tenant and everything it owns is removed instead.
func DeleteTenant(ctx context.Context, st *store.Store, id uuid.UUID, hard bool) error {
	t, err := st.GetTenant(ctx, id)
	if err != nil {
		return err
	}
	if hard {
		return st.DeleteTenant(ctx, id)
	}
	users, err := st.CountUsers(ctx, id)
	if err != nil {
		return err
	}
	t.IsActive = false
	return st.Transaction(ctx, func(tx *store.Store) error {
		if err := tx.SaveTenant(ctx, t); err != nil {
			return err
		}
		return tx.Audit(ctx, store.AuditEntry{
			TenantID:     t.ID,
			ResourceType: models.ResourceTenant,
			ResourceID:   t.ID,
			Action:       "tenant.deactivated",
			Level:        models.LogLevelWarning,
			Message:      fmt.Sprintf("Tenant %s deactivated", t.Name),
			Details:      map[string]any{"users": users},
		})
	})
}
