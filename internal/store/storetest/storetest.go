// Package storetest opens throwaway in-memory databases for tests.
package storetest

import (
	"context"
	"io"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"recapflow/api-gateway/internal/store"
	"recapflow/api-gateway/models"
)

// New returns a migrated Store backed by a private in-memory SQLite database.
func New(t testing.TB) *store.Store {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	db, err := gorm.Open(sqlite.Open("file::memory:?_pragma=foreign_keys(1)"), store.GormConfig(log))
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// One connection keeps every query on the same in-memory database.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	s := store.New(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

// Fixture is a tenant with one user and one project.
type Fixture struct {
	Tenant  *models.Tenant
	User    *models.User
	Project *models.Project
}

// Seed creates a tenant named name with a user and a project.
func Seed(t testing.TB, s *store.Store, name string) Fixture {
	t.Helper()
	ctx := context.Background()

	tenant := &models.Tenant{Name: name, DisplayName: name, IsActive: true}
	require.NoError(t, s.CreateTenant(ctx, tenant))

	user := &models.User{TenantID: tenant.ID, Email: name + "@example.com", PasswordHash: "x", IsActive: true}
	require.NoError(t, s.CreateUser(ctx, user))

	project := &models.Project{TenantID: tenant.ID, UserID: user.ID, Title: "Test"}
	require.NoError(t, s.CreateProject(ctx, project))

	return Fixture{Tenant: tenant, User: user, Project: project}
}
