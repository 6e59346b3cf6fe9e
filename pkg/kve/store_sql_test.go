package kve

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sqlFixture(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLStore(db, DialectPostgres), mock
}

func TestSQLGetServiceKeyByHMAC(t *testing.T) {
	store, mock := sqlFixture(t)

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	expires := created.AddDate(1, 0, 0)
	rows := sqlmock.NewRows([]string{
		"id", "organisation_id", "name", "key_hmac", "allowed_tenant_ids", "status",
		"created_at", "expires_at", "revoked_at", "last_used_at",
	}).AddRow("svc-1", "org-1", "kernel", "abc", `["t-1","t-2"]`, "active", created, expires, nil, nil)
	mock.ExpectQuery("SELECT id, organisation_id, name, key_hmac").
		WithArgs("abc").
		WillReturnRows(rows)

	key, err := store.GetServiceKeyByHMAC(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "svc-1", key.ID)
	assert.Equal(t, "org-1", key.OrgID)
	assert.Equal(t, []string{"t-1", "t-2"}, key.AllowedTenantIDs)
	assert.True(t, key.AllowedForTenant("t-2"))
	assert.False(t, key.AllowedForTenant("t-3"))
	require.NotNil(t, key.ExpiresAt)
	assert.False(t, key.Expired(created))
	assert.True(t, key.Expired(expires))
	assert.Nil(t, key.RevokedAt)
	assert.Nil(t, key.LastUsedAt)
}

func TestSQLTouchServiceKey(t *testing.T) {
	store, mock := sqlFixture(t)

	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	mock.ExpectExec("UPDATE service_keys SET last_used_at").
		WithArgs(at, "svc-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.TouchServiceKey(context.Background(), "svc-1", at))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLGetServiceKeyNotFound(t *testing.T) {
	store, mock := sqlFixture(t)

	mock.ExpectQuery("SELECT id, organisation_id, name, key_hmac").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetServiceKeyByHMAC(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLIsActionAllowed(t *testing.T) {
	store, mock := sqlFixture(t)

	mock.ExpectQuery("SELECT 1 FROM action_allowlist WHERE .+ AND enabled").
		WithArgs("crm", "crm.contacts.create").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectQuery("SELECT 1 FROM action_allowlist WHERE .+ AND enabled").
		WithArgs("crm", "crm.contacts.delete").
		WillReturnRows(sqlmock.NewRows([]string{"1"}))

	allowed, err := store.IsActionAllowed(context.Background(), "crm", "crm.contacts.create")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = store.IsActionAllowed(context.Background(), "crm", "crm.contacts.delete")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestSQLGetTenantIntegration(t *testing.T) {
	store, mock := sqlFixture(t)

	rows := sqlmock.NewRows([]string{"tenant_id", "integration", "secret_name", "metadata"}).
		AddRow("t-1", "crm", "crm-prod", `{"base_url":"https://api.crm.example"}`)
	mock.ExpectQuery("SELECT tenant_id, integration, secret_name").
		WithArgs("t-1", "crm").
		WillReturnRows(rows)

	ti, err := store.GetTenantIntegration(context.Background(), "t-1", "crm")
	require.NoError(t, err)
	assert.Equal(t, "crm-prod", ti.SecretName)
	assert.Equal(t, "https://api.crm.example", ti.Metadata["base_url"])
}

func TestKVESchemaCoversAllTables(t *testing.T) {
	ddl := Schema()
	for _, table := range []string{"service_keys", "action_allowlist", "tenant_integrations"} {
		assert.Contains(t, ddl, table)
	}
	for _, column := range []string{"organisation_id", "expires_at", "revoked_at", "last_used_at", "action_version", "enabled"} {
		assert.Contains(t, ddl, column)
	}
}
