package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	require.Equal(t, ":8080", c.Server.Addr)
	require.Equal(t, "memory", c.Store.Driver)
	require.Equal(t, "rotate", c.Grants.Refresh.Rotation)
	require.Equal(t, "5s", c.Grants.Poll.Interval)
	require.Equal(t, "info", c.Log.Level)
}

func TestLoad_YAMLAndEnvOverride(t *testing.T) {
	p := writeConfig(t, `
server:
  addr: ":9090"
jwt:
  issuer: "https://tokens.example.com"
grants:
  pkce:
    required: true
  refresh:
    rotation: "skip"
store:
  driver: "redis"
  redis:
    addr: "localhost:6379"
`)

	t.Setenv("GRANTS_REFRESH_ROTATION", "rotate-preserve-ttl")
	t.Setenv("STORE_DRIVER", "memory")

	c, err := Load(p)
	require.NoError(t, err)

	require.Equal(t, ":9090", c.Server.Addr)
	require.Equal(t, "https://tokens.example.com", c.JWT.Issuer)
	require.True(t, c.Grants.PKCE.Required)

	// Las env vars pisan el YAML.
	require.Equal(t, "rotate-preserve-ttl", c.Grants.Refresh.Rotation)
	require.Equal(t, "memory", c.Store.Driver)
}

func TestLoad_InvalidRotation(t *testing.T) {
	p := writeConfig(t, `
grants:
  refresh:
    rotation: "sometimes"
`)
	_, err := Load(p)
	require.Error(t, err)
}

func TestLoad_InvalidDriver(t *testing.T) {
	p := writeConfig(t, `
store:
  driver: "couchbase"
`)
	_, err := Load(p)
	require.Error(t, err)
}

func TestDur(t *testing.T) {
	require.Equal(t, 5*time.Second, Dur("5s", time.Minute))
	require.Equal(t, time.Minute, Dur("garbage", time.Minute))
	require.Equal(t, time.Minute, Dur("", time.Minute))
}
