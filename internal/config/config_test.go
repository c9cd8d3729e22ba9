package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantry-io/gantry/internal/config"
)

func writeConfig(t *testing.T, contents string) *config.Store {
	t.Helper()
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, config.FileName), []byte(contents), 0o600)
	require.NoError(t, err)
	return config.NewStore(dir)
}

func forceDevelopment(t *testing.T) {
	t.Helper()
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("APP_ENV", "dev")
}

func TestLoadAppliesDefaults(t *testing.T) {
	forceDevelopment(t)
	store := writeConfig(t, `{}`)
	require.NoError(t, store.Load())

	cfg := store.Snapshot()
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "INFO", cfg.Application.LogLevel)
	assert.True(t, cfg.Application.LogConsole)
	assert.Contains(t, cfg.Server.CORS.AllowedMethods, "OPTIONS")
	assert.Equal(t, 30, cfg.Security.Session.TimeoutMinutes)
	assert.Equal(t, 60, cfg.Security.SecurityMiddleware.RateLimit.MaxRequests)
}

func TestLoadOverridesDefaults(t *testing.T) {
	forceDevelopment(t)
	store := writeConfig(t, `{
		"application": {"logLevel": "DEBUG"},
		"server": {"port": 9090, "maxConnections": 64}
	}`)
	require.NoError(t, store.Load())

	cfg := store.Snapshot()
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 64, cfg.Server.MaxConnections)
	assert.Equal(t, "DEBUG", cfg.Application.LogLevel)
	// Untouched keys keep their defaults.
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
}

func TestLoadSubstitutesEnvironment(t *testing.T) {
	forceDevelopment(t)
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PASSWORD", "s3cure-enough-for-tests")

	store := writeConfig(t, `{
		"databasePools": [{
			"name": "main",
			"driver": "postgres",
			"host": "${DB_HOST}",
			"password": "${DB_PASSWORD}",
			"maxSize": 4
		}]
	}`)
	require.NoError(t, store.Load())

	cfg := store.Snapshot()
	require.Len(t, cfg.DatabasePools, 1)
	assert.Equal(t, "db.internal", cfg.DatabasePools[0].Host)
	assert.Equal(t, "s3cure-enough-for-tests", cfg.DatabasePools[0].Password)
}

func TestLoadDefaultsUnsetNonCriticalVars(t *testing.T) {
	forceDevelopment(t)
	t.Setenv("DB_HOST", "placeholder")
	os.Unsetenv("DB_HOST")

	store := writeConfig(t, `{
		"databasePools": [{"name": "main", "driver": "postgres", "host": "${DB_HOST}", "maxSize": 4}]
	}`)
	require.NoError(t, store.Load())
	assert.Equal(t, "localhost", store.Snapshot().DatabasePools[0].Host)
}

func TestLoadEscapesSubstitutedValues(t *testing.T) {
	forceDevelopment(t)
	t.Setenv("DB_PASSWORD", `pa"ss\word`)

	store := writeConfig(t, `{
		"databasePools": [{"name": "main", "driver": "postgres", "password": "${DB_PASSWORD}", "maxSize": 4}]
	}`)
	require.NoError(t, store.Load())
	assert.Equal(t, `pa"ss\word`, store.Snapshot().DatabasePools[0].Password)
}

func TestProductionRequiresCriticalVars(t *testing.T) {
	t.Setenv("ENVIRONMENT", "PRODUCTION")
	t.Setenv("APP_ENV", "prod")
	t.Setenv("JWT_SECRET", "placeholder")
	os.Unsetenv("JWT_SECRET")

	store := writeConfig(t, `{"security": {"jwt": {"secret": "${JWT_SECRET}"}}}`)
	err := store.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrConfig)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestProductionRejectsWeakSecrets(t *testing.T) {
	cases := map[string]string{
		"placeholder token": "super-secret-but-still-contains-secret",
		"too short":         "abcdef0123456789",
	}
	for name, secret := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("ENVIRONMENT", "PRODUCTION")
			t.Setenv("JWT_SECRET", secret)

			store := writeConfig(t, `{"security": {"jwt": {"secret": "${JWT_SECRET}"}}}`)
			err := store.Load()
			require.Error(t, err)
			assert.ErrorIs(t, err, config.ErrConfig)
		})
	}
}

func TestDevelopmentFallsBackForCriticalVars(t *testing.T) {
	forceDevelopment(t)
	t.Setenv("JWT_SECRET", "placeholder")
	os.Unsetenv("JWT_SECRET")

	store := writeConfig(t, `{"security": {"jwt": {"secret": "${JWT_SECRET}"}}}`)
	require.NoError(t, store.Load())
	assert.NotEmpty(t, store.Snapshot().Security.JWT.Secret)
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	forceDevelopment(t)
	store := writeConfig(t, `{"server": {`)
	err := store.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrConfig)
}

func TestLoadRejectsWrongKinds(t *testing.T) {
	forceDevelopment(t)
	store := writeConfig(t, `{"server": {"port": "eighty"}}`)
	err := store.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrConfig)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	forceDevelopment(t)
	store := config.NewStore(t.TempDir())
	err := store.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrConfig)
}

func TestValidateRejectsDuplicatePoolNames(t *testing.T) {
	forceDevelopment(t)
	store := writeConfig(t, `{
		"databasePools": [
			{"name": "main", "driver": "postgres", "maxSize": 4},
			{"name": "main", "driver": "mysql", "maxSize": 4}
		]
	}`)
	err := store.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate database pool name")
}

func TestValidateRejectsMinAboveMax(t *testing.T) {
	forceDevelopment(t)
	store := writeConfig(t, `{
		"databasePools": [{"name": "main", "driver": "postgres", "minSize": 8, "maxSize": 4}]
	}`)
	err := store.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrConfig)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	forceDevelopment(t)
	store := writeConfig(t, `{"server": {"cors": {"allowedOrigins": ["https://app.example.com"]}}}`)
	require.NoError(t, store.Load())

	snap := store.Snapshot()
	snap.Server.CORS.AllowedOrigins[0] = "https://evil.example.com"
	snap.Server.Port = 1

	fresh := store.Snapshot()
	assert.Equal(t, "https://app.example.com", fresh.Server.CORS.AllowedOrigins[0])
	assert.Equal(t, 8080, fresh.Server.Port)
}

func TestSnapshotBeforeLoadReturnsDefaults(t *testing.T) {
	store := config.NewStore(t.TempDir())
	cfg := store.Snapshot()
	require.NotNil(t, cfg)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestReloadSwapsConfig(t *testing.T) {
	forceDevelopment(t)
	dir := t.TempDir()
	path := filepath.Join(dir, config.FileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"server": {"port": 8081}}`), 0o600))

	store := config.NewStore(dir)
	require.NoError(t, store.Load())
	assert.Equal(t, 8081, store.Snapshot().Server.Port)

	require.NoError(t, os.WriteFile(path, []byte(`{"server": {"port": 8082}}`), 0o600))
	require.NoError(t, store.Reload())
	assert.Equal(t, 8082, store.Snapshot().Server.Port)
}

func TestFailedReloadKeepsActiveConfig(t *testing.T) {
	forceDevelopment(t)
	dir := t.TempDir()
	path := filepath.Join(dir, config.FileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"server": {"port": 8081}}`), 0o600))

	store := config.NewStore(dir)
	require.NoError(t, store.Load())

	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o600))
	err := store.Reload()
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrConfig))
	assert.Equal(t, 8081, store.Snapshot().Server.Port)
}

func TestIsProduction(t *testing.T) {
	cases := []struct {
		environment string
		appEnv      string
		want        bool
	}{
		{"PRODUCTION", "", true},
		{"production", "", true},
		{"", "PROD", true},
		{"", "prod", true},
		{"staging", "dev", false},
		{"", "", false},
	}
	for _, tc := range cases {
		t.Setenv("ENVIRONMENT", tc.environment)
		t.Setenv("APP_ENV", tc.appEnv)
		assert.Equal(t, tc.want, config.IsProduction(), "ENVIRONMENT=%q APP_ENV=%q", tc.environment, tc.appEnv)
	}
}

func TestResolvePath(t *testing.T) {
	store := config.NewStore("/srv/gantry")
	assert.Equal(t, "/srv/gantry/certs/server.pem", store.ResolvePath("certs/server.pem"))
	assert.Equal(t, "/etc/ssl/server.pem", store.ResolvePath("/etc/ssl/server.pem"))
	assert.Equal(t, "", store.ResolvePath(""))
	assert.Equal(t, filepath.Join("/srv/gantry", config.FileName), store.FilePath())
}
