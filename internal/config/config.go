package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config es la configuración completa del servicio de tokens.
// Se carga desde YAML y se pisa con variables de entorno (applyEnvOverrides).
type Config struct {
	// Bloque app (opcional en YAML). Si no está, queda vacío.
	App struct {
		// dev | staging | prod
		Env string `yaml:"app_env"`
	} `yaml:"app"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	JWT struct {
		Issuer     string `yaml:"issuer"`
		AccessTTL  string `yaml:"access_ttl"`
		IDTokenTTL string `yaml:"id_token_ttl"`
		RefreshTTL string `yaml:"refresh_ttl"`
	} `yaml:"jwt"`

	Grants struct {
		// supported limita el set de grant_types habilitados a nivel server.
		// Vacío = todos los implementados.
		Supported []string `yaml:"supported"`

		AuthCodeTTL string `yaml:"auth_code_ttl"`

		PKCE struct {
			Required bool `yaml:"required"`
		} `yaml:"pkce"`

		Refresh struct {
			// rotate | rotate-preserve-ttl | skip
			Rotation string `yaml:"rotation"`
			// offline_access requerido para emitir refresh tokens.
			RequireOfflineAccess bool `yaml:"require_offline_access"`
			// Emitir id_token también en refresh (compat).
			IDTokenOnRefresh bool `yaml:"id_token_on_refresh"`
		} `yaml:"refresh"`

		Poll struct {
			// Intervalo mínimo entre polls de CIBA/device antes de slow_down.
			Interval  string `yaml:"interval"`
			RecordTTL string `yaml:"record_ttl"`
		} `yaml:"poll"`
	} `yaml:"grants"`

	Store struct {
		// memory | redis | postgres
		Driver string `yaml:"driver"`
		Redis  struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
		Postgres struct {
			DSN          string `yaml:"dsn"`
			MaxOpenConns int    `yaml:"max_open_conns"`
		} `yaml:"postgres"`
	} `yaml:"store"`

	Sweeper struct {
		Enabled  bool   `yaml:"enabled"`
		Interval string `yaml:"interval"`
	} `yaml:"sweeper"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Load lee el YAML, aplica defaults y pisa con env vars.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, err
		}
	}

	// sane defaults
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.JWT.Issuer == "" {
		c.JWT.Issuer = "http://localhost:8080"
	}
	if c.JWT.AccessTTL == "" {
		c.JWT.AccessTTL = "15m"
	}
	if c.JWT.IDTokenTTL == "" {
		c.JWT.IDTokenTTL = "15m"
	}
	if c.JWT.RefreshTTL == "" {
		c.JWT.RefreshTTL = "720h" // 30d
	}
	if c.Grants.AuthCodeTTL == "" {
		c.Grants.AuthCodeTTL = "2m"
	}
	if c.Grants.Refresh.Rotation == "" {
		c.Grants.Refresh.Rotation = "rotate"
	}
	if c.Grants.Poll.Interval == "" {
		c.Grants.Poll.Interval = "5s"
	}
	if c.Grants.Poll.RecordTTL == "" {
		c.Grants.Poll.RecordTTL = "10m"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Sweeper.Interval == "" {
		c.Sweeper.Interval = "1m"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	c.applyEnvOverrides()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}
func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}
func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b, true
		}
	}
	return false, false
}
func getEnvCSV(key string) ([]string, bool) {
	if s, ok := getEnvStr(key); ok {
		if strings.TrimSpace(s) == "" {
			return []string{}, true
		}
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		return out, true
	}
	return nil, false
}

// applyEnvOverrides: pisa config.yaml con variables de entorno.
func (c *Config) applyEnvOverrides() {
	if v, ok := getEnvStr("APP_ENV"); ok {
		c.App.Env = strings.ToLower(v)
	}
	if v, ok := getEnvStr("SERVER_ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := getEnvStr("JWT_ISSUER"); ok {
		c.JWT.Issuer = v
	}
	if v, ok := getEnvStr("JWT_ACCESS_TTL"); ok {
		c.JWT.AccessTTL = v
	}
	if v, ok := getEnvStr("JWT_REFRESH_TTL"); ok {
		c.JWT.RefreshTTL = v
	}
	if v, ok := getEnvCSV("GRANTS_SUPPORTED"); ok {
		c.Grants.Supported = v
	}
	if v, ok := getEnvBool("GRANTS_PKCE_REQUIRED"); ok {
		c.Grants.PKCE.Required = v
	}
	if v, ok := getEnvStr("GRANTS_REFRESH_ROTATION"); ok {
		c.Grants.Refresh.Rotation = v
	}
	if v, ok := getEnvBool("GRANTS_REQUIRE_OFFLINE_ACCESS"); ok {
		c.Grants.Refresh.RequireOfflineAccess = v
	}
	if v, ok := getEnvBool("GRANTS_ID_TOKEN_ON_REFRESH"); ok {
		c.Grants.Refresh.IDTokenOnRefresh = v
	}
	if v, ok := getEnvStr("GRANTS_POLL_INTERVAL"); ok {
		c.Grants.Poll.Interval = v
	}
	if v, ok := getEnvStr("STORE_DRIVER"); ok {
		c.Store.Driver = v
	}
	if v, ok := getEnvStr("STORE_REDIS_ADDR"); ok {
		c.Store.Redis.Addr = v
	}
	if v, ok := getEnvStr("STORE_REDIS_PASSWORD"); ok {
		c.Store.Redis.Password = v
	}
	if v, ok := getEnvInt("STORE_REDIS_DB"); ok {
		c.Store.Redis.DB = v
	}
	if v, ok := getEnvStr("STORE_PG_DSN"); ok {
		c.Store.Postgres.DSN = v
	}
	if v, ok := getEnvBool("SWEEPER_ENABLED"); ok {
		c.Sweeper.Enabled = v
	}
	if v, ok := getEnvStr("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
}

// Validate chequea combinaciones inválidas temprano, antes de armar el wiring.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("store.driver inválido: %q", c.Store.Driver)
	}
	switch c.Grants.Refresh.Rotation {
	case "rotate", "rotate-preserve-ttl", "skip":
	default:
		return fmt.Errorf("grants.refresh.rotation inválido: %q", c.Grants.Refresh.Rotation)
	}
	if _, err := time.ParseDuration(c.Grants.Poll.Interval); err != nil {
		return fmt.Errorf("grants.poll.interval inválido: %w", err)
	}
	if _, err := time.ParseDuration(c.JWT.AccessTTL); err != nil {
		return fmt.Errorf("jwt.access_ttl inválido: %w", err)
	}
	if _, err := time.ParseDuration(c.JWT.RefreshTTL); err != nil {
		return fmt.Errorf("jwt.refresh_ttl inválido: %w", err)
	}
	return nil
}

// Dur parsea una duración ya validada; fallback si está vacía o corrupta.
func Dur(s string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return fallback
}
