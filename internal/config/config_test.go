package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

var secrets = map[string]string{
	"ROLLCALL_SESSION_SECRET": "session-secret",
	"ROLLCALL_TOKEN_PEPPER":   "0123456789abcdef0123",
}

func TestConfig_LoadDefaults(t *testing.T) {
	var c Config
	c.LoadDefaults()

	assert.Equal(t, ":8080", c.HTTPAddr)
	assert.Equal(t, 24*time.Hour, c.EmailVerifyTTL)
	assert.Equal(t, time.Hour, c.PasswordResetTTL)
	assert.Equal(t, 5, c.ThrottleCeiling)
	assert.Equal(t, time.Hour, c.ThrottleWindow)
	assert.Equal(t, 15*time.Minute, c.ThrottleCooldown)
	assert.Equal(t, 3*time.Second, c.StorageTimeout)
	assert.Empty(t, c.SessionSecret)
	assert.Empty(t, c.TokenPepper)
}

func TestLoad_RequiresSecrets(t *testing.T) {
	_, err := Load(nil, envMap(nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "session secret")
	assert.Contains(t, err.Error(), "token pepper")
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	env := map[string]string{
		"ROLLCALL_HTTP_ADDR":         ":9000",
		"ROLLCALL_THROTTLE_CEILING":  "3",
		"ROLLCALL_THROTTLE_COOLDOWN": "30m",
		"ROLLCALL_POLICY_WATCH":      "false",
		"ROLLCALL_CORS_ORIGINS":      "https://a.example, https://b.example,",
	}
	for k, v := range secrets {
		env[k] = v
	}

	c, err := Load(nil, envMap(env))
	require.NoError(t, err)
	assert.Equal(t, ":9000", c.HTTPAddr)
	assert.Equal(t, 3, c.ThrottleCeiling)
	assert.Equal(t, 30*time.Minute, c.ThrottleCooldown)
	assert.False(t, c.PolicyWatch)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, c.CORSOrigins)
}

func TestLoad_EnvRejectsMalformedValues(t *testing.T) {
	env := map[string]string{"ROLLCALL_STORAGE_TIMEOUT": "soon"}
	for k, v := range secrets {
		env[k] = v
	}
	_, err := Load(nil, envMap(env))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "ROLLCALL_STORAGE_TIMEOUT")
}

func TestLoad_FileThenEnvThenFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rollcall.yaml")
	body := `
http_addr: ":7000"
grpc_addr: ":7001"
password_reset_ttl: 30m
audit_workers: 4
session_secret: from-file
token_pepper: file-pepper-0123456789
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	env := envMap(map[string]string{
		"ROLLCALL_GRPC_ADDR": ":7101",
	})
	c, err := Load([]string{"-config", path, "-grpc", ""}, env)
	require.NoError(t, err)

	assert.Equal(t, ":7000", c.HTTPAddr)
	assert.Empty(t, c.GRPCAddr, "flag beats env and file")
	assert.Equal(t, 30*time.Minute, c.PasswordResetTTL)
	assert.Equal(t, 4, c.AuditWorkers)
	assert.Equal(t, "from-file", c.SessionSecret)
	assert.Equal(t, 24*time.Hour, c.EmailVerifyTTL, "unset keys keep defaults")
}

func TestLoad_FileFromEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rollcall.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o600))

	env := map[string]string{"ROLLCALL_CONFIG": path}
	for k, v := range secrets {
		env[k] = v
	}
	c, err := Load(nil, envMap(env))
	require.NoError(t, err)
	assert.Equal(t, "debug", c.LogLevel)
}

func TestLoad_FileRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rollcall.yaml")
	require.NoError(t, os.WriteFile(path, []byte("htp_addr: \":1\"\n"), 0o600))

	_, err := Load([]string{"-config", path}, envMap(secrets))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load([]string{"-config", filepath.Join(t.TempDir(), "absent.yaml")}, envMap(secrets))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_UnknownFlag(t *testing.T) {
	_, err := Load([]string{"-bogus"}, envMap(secrets))
	require.Error(t, err)
}

func TestValidate_Limits(t *testing.T) {
	var c Config
	c.LoadDefaults()
	c.SessionSecret = "s"
	c.TokenPepper = "0123456789abcdef"
	require.NoError(t, c.Validate())

	c.ThrottleCeiling = 0
	c.AuditWorkers = 0
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttle")
	assert.Contains(t, err.Error(), "audit")
}
