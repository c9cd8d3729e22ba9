// Package config handles loading and validating the gantryd config.json.
// The file is read from {baseDir}/config.json, ${VAR} tokens are substituted
// from the environment, and the result is decoded into a typed Config.
// In production mode (ENVIRONMENT=PRODUCTION or APP_ENV=PROD) critical
// variables must be set to real, non-default values or loading fails.
package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ErrConfig wraps every configuration failure so the composition root can
// map it to the configuration exit code.
var ErrConfig = errors.New("configuration error")

// FileName is the configuration file name resolved under the base directory.
const FileName = "config.json"

// Config is the top-level typed configuration record. Unknown JSON keys are
// ignored; keys with the wrong kind fail the load.
type Config struct {
	Application   Application `json:"application"`
	Server        Server      `json:"server"`
	Security      Security    `json:"security"`
	DatabasePools []Pool      `json:"databasePools" validate:"dive"`
}

// Application holds process-wide settings.
type Application struct {
	Name       string `json:"name"`
	LogLevel   string `json:"logLevel"`
	LogFile    string `json:"logFile"`
	LogConsole bool   `json:"logConsole"`
}

// Server configures the HTTP engine.
type Server struct {
	Host                       string `json:"host"`
	Port                       int    `json:"port" validate:"min=1,max=65535"`
	MaxConnections             int    `json:"maxConnections" validate:"min=0"`
	ThreadPoolSize             int    `json:"threadPoolSize" validate:"min=0"`
	KeepAliveEnabled           bool   `json:"keepAliveEnabled"`
	ConnectionTimeoutSeconds   int    `json:"connectionTimeoutSeconds" validate:"min=0"`
	ShutdownGracePeriodSeconds int    `json:"shutdownGracePeriodSeconds" validate:"min=0"`
	PIDFile                    string `json:"pidFile"`
	Daemonize                  bool   `json:"daemonize"`
	SSL                        SSL    `json:"ssl"`
	CORS                       CORS   `json:"cors"`
}

// SSL configures the TLS listener. File paths are resolved relative to the
// base directory when not absolute.
type SSL struct {
	Enabled         bool   `json:"enabled"`
	CertificateFile string `json:"certificateFile"`
	PrivateKeyFile  string `json:"privateKeyFile"`
}

// CORS configures the CORS pipeline stage.
type CORS struct {
	AllowedOrigins   []string `json:"allowedOrigins"`
	AllowedMethods   []string `json:"allowedMethods"`
	AllowedHeaders   []string `json:"allowedHeaders"`
	ExposedHeaders   []string `json:"exposedHeaders"`
	MaxAgeSeconds    int      `json:"maxAgeSeconds" validate:"min=0"`
	AllowCredentials bool     `json:"allowCredentials"`
}

// Security groups the auth and security middleware settings.
type Security struct {
	JWT                JWT                `json:"jwt"`
	AuthMiddleware     AuthMiddleware     `json:"authMiddleware"`
	SecurityMiddleware SecurityMiddleware `json:"securityMiddleware"`
	Session            Session            `json:"session"`
}

// JWT configures bearer token validation.
type JWT struct {
	Secret   string `json:"secret"`
	Issuer   string `json:"issuer"`
	Audience string `json:"audience"`
}

// AuthMiddleware configures the authentication pipeline stage.
// TokenSources entries are "header:<name>[:<prefix>]" or "queryparam:<name>".
type AuthMiddleware struct {
	ExcludedPaths      []string `json:"excludedPaths"`
	TokenSources       []string `json:"tokenSources"`
	AllowPublicOptions bool     `json:"allowPublicOptions"`
}

// SecurityMiddleware configures response headers, rate limiting, and CSRF.
type SecurityMiddleware struct {
	Headers   Headers   `json:"headers"`
	RateLimit RateLimit `json:"rateLimit"`
	CSRF      CSRF      `json:"csrf"`
}

// Headers holds the security header values applied to every response.
// Strict-Transport-Security is only sent on TLS listeners.
type Headers struct {
	ContentSecurityPolicy   string `json:"contentSecurityPolicy"`
	XFrameOptions           string `json:"xFrameOptions"`
	XXSSProtection          string `json:"xXSSProtection"`
	XContentTypeOptions     string `json:"xContentTypeOptions"`
	ReferrerPolicy          string `json:"referrerPolicy"`
	PermissionsPolicy       string `json:"permissionsPolicy"`
	XDownloadOptions        string `json:"xDownloadOptions"`
	XDNSPrefetchControl     string `json:"xDNSPrefetchControl"`
	StrictTransportSecurity string `json:"strictTransportSecurity"`
}

// RateLimit configures the per-client fixed-window limiter. Counts beyond
// MaxRequests inside a window are logged; counts beyond BurstLimit flip the
// client into a block lasting BlockMinutes.
type RateLimit struct {
	Enabled       bool   `json:"enabled"`
	MaxRequests   int    `json:"maxRequests" validate:"min=1"`
	WindowSeconds int    `json:"windowSeconds" validate:"min=1"`
	BurstLimit    int    `json:"burstLimit" validate:"min=1"`
	BlockMinutes  int    `json:"blockMinutes" validate:"min=1"`
	PurgeSchedule string `json:"purgeSchedule"`
}

// CSRF configures token validation for mutating requests carried by a session.
type CSRF struct {
	Enabled          bool     `json:"enabled"`
	ProtectedMethods []string `json:"protectedMethods"`
	SessionKey       string   `json:"sessionKey"`
	HeaderName       string   `json:"headerName"`
	FormField        string   `json:"formField"`
	CookieName       string   `json:"cookieName"`
}

// Session configures the in-memory session store.
type Session struct {
	TimeoutMinutes  int    `json:"timeoutMinutes" validate:"min=1"`
	CleanupSchedule string `json:"cleanupSchedule"`
}

// Pool describes one named database connection pool.
type Pool struct {
	Name                  string            `json:"name" validate:"required"`
	Driver                string            `json:"driver" validate:"required"`
	Host                  string            `json:"host"`
	Port                  int               `json:"port" validate:"min=0,max=65535"`
	Database              string            `json:"database"`
	User                  string            `json:"user"`
	Password              string            `json:"password"`
	Params                map[string]string `json:"params"`
	MinSize               int               `json:"minSize" validate:"min=0"`
	MaxSize               int               `json:"maxSize" validate:"min=1"`
	IdleTimeoutSeconds    int               `json:"idleTimeoutSeconds" validate:"min=0"`
	AcquireTimeoutSeconds int               `json:"acquireTimeoutSeconds" validate:"min=0"`
	HealthCheckQuery      string            `json:"healthCheckQuery"`
}

// Equal reports whether two pool descriptors would build identical pools.
// Reload uses it to leave unchanged pools running.
func (p Pool) Equal(q Pool) bool {
	if p.Name != q.Name || p.Driver != q.Driver ||
		p.Host != q.Host || p.Port != q.Port ||
		p.Database != q.Database || p.User != q.User || p.Password != q.Password ||
		p.MinSize != q.MinSize || p.MaxSize != q.MaxSize ||
		p.IdleTimeoutSeconds != q.IdleTimeoutSeconds ||
		p.AcquireTimeoutSeconds != q.AcquireTimeoutSeconds ||
		p.HealthCheckQuery != q.HealthCheckQuery {
		return false
	}
	if len(p.Params) != len(q.Params) {
		return false
	}
	for k, v := range p.Params {
		if qv, ok := q.Params[k]; !ok || qv != v {
			return false
		}
	}
	return true
}

// Default returns the configuration used when keys are absent from the file.
// Load unmarshals the file over this value, so every default survives unless
// the operator overrides it.
func Default() *Config {
	return &Config{
		Application: Application{
			Name:       "gantryd",
			LogLevel:   "INFO",
			LogConsole: true,
		},
		Server: Server{
			Host:                       "127.0.0.1",
			Port:                       8080,
			MaxConnections:             512,
			ThreadPoolSize:             0,
			KeepAliveEnabled:           true,
			ConnectionTimeoutSeconds:   120,
			ShutdownGracePeriodSeconds: 15,
			PIDFile:                    "gantryd.pid",
			CORS: CORS{
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
				AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-CSRF-Token"},
				ExposedHeaders: []string{"X-Request-ID", "Retry-After"},
				MaxAgeSeconds:  300,
			},
		},
		Security: Security{
			AuthMiddleware: AuthMiddleware{
				ExcludedPaths:      []string{"/api/v1/health"},
				AllowPublicOptions: true,
			},
			SecurityMiddleware: SecurityMiddleware{
				Headers: Headers{
					ContentSecurityPolicy:   "default-src 'self'",
					XFrameOptions:           "DENY",
					XXSSProtection:          "0",
					XContentTypeOptions:     "nosniff",
					ReferrerPolicy:          "strict-origin-when-cross-origin",
					PermissionsPolicy:       "camera=(), microphone=(), geolocation=()",
					XDownloadOptions:        "noopen",
					XDNSPrefetchControl:     "off",
					StrictTransportSecurity: "max-age=31536000; includeSubDomains",
				},
				RateLimit: RateLimit{
					Enabled:       true,
					MaxRequests:   60,
					WindowSeconds: 60,
					BurstLimit:    90,
					BlockMinutes:  5,
					PurgeSchedule: "*/5 * * * *",
				},
				CSRF: CSRF{
					Enabled:          true,
					ProtectedMethods: []string{"POST", "PUT", "DELETE", "PATCH"},
					SessionKey:       "csrf_token",
					HeaderName:       "X-CSRF-Token",
					FormField:        "csrf_token",
					CookieName:       "session_id",
				},
			},
			Session: Session{
				TimeoutMinutes:  30,
				CleanupSchedule: "*/5 * * * *",
			},
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks kinds and ranges on a decoded configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	seen := make(map[string]bool, len(c.DatabasePools))
	for _, p := range c.DatabasePools {
		if seen[p.Name] {
			return fmt.Errorf("%w: duplicate database pool name %q", ErrConfig, p.Name)
		}
		seen[p.Name] = true
		if p.MinSize > p.MaxSize {
			return fmt.Errorf("%w: pool %q: minSize %d exceeds maxSize %d", ErrConfig, p.Name, p.MinSize, p.MaxSize)
		}
	}
	rl := c.Security.SecurityMiddleware.RateLimit
	if rl.Enabled && rl.BurstLimit < rl.MaxRequests {
		return fmt.Errorf("%w: rateLimit burstLimit %d below maxRequests %d", ErrConfig, rl.BurstLimit, rl.MaxRequests)
	}
	return nil
}

// Clone returns a deep copy. Consumers own their snapshot; mutating it never
// affects the store's copy.
func (c *Config) Clone() *Config {
	out := *c
	out.Server.CORS.AllowedOrigins = cloneSlice(c.Server.CORS.AllowedOrigins)
	out.Server.CORS.AllowedMethods = cloneSlice(c.Server.CORS.AllowedMethods)
	out.Server.CORS.AllowedHeaders = cloneSlice(c.Server.CORS.AllowedHeaders)
	out.Server.CORS.ExposedHeaders = cloneSlice(c.Server.CORS.ExposedHeaders)
	out.Security.AuthMiddleware.ExcludedPaths = cloneSlice(c.Security.AuthMiddleware.ExcludedPaths)
	out.Security.AuthMiddleware.TokenSources = cloneSlice(c.Security.AuthMiddleware.TokenSources)
	out.Security.SecurityMiddleware.CSRF.ProtectedMethods = cloneSlice(c.Security.SecurityMiddleware.CSRF.ProtectedMethods)
	out.DatabasePools = make([]Pool, len(c.DatabasePools))
	for i, p := range c.DatabasePools {
		out.DatabasePools[i] = p
		if p.Params != nil {
			params := make(map[string]string, len(p.Params))
			for k, v := range p.Params {
				params[k] = v
			}
			out.DatabasePools[i].Params = params
		}
	}
	return &out
}

func cloneSlice(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
