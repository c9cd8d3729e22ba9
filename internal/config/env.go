package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// envPattern matches ${VAR} tokens in the raw configuration text.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// envDefaults supplies fallback values for variables that are safe to
// default in any environment.
var envDefaults = map[string]string{
	"DB_HOST": "localhost",
	"DB_PORT": "5432",
	"DB_NAME": "gantry",
	"DB_USER": "gantry",
}

// devDefaults supplies fallback values for critical variables outside
// production. In production an unset critical variable aborts the load.
var devDefaults = map[string]string{
	"DB_PASSWORD":   "gantry-dev",
	"JWT_SECRET":    "dev-only-jwt-secret-0123456789abcdef",
	"PASSWORD_SALT": "dev-only-salt",
}

// weakTokens flag critical values that were clearly never changed from a
// sample or placeholder. Matching is case-insensitive.
var weakTokens = []string{"changeme", "change-me", "password", "secret", "example", "sample", "12345"}

// minJWTSecretLen is the minimum production JWT secret length in bytes.
const minJWTSecretLen = 32

// IsProduction reports whether the process runs in production mode.
// ENVIRONMENT=PRODUCTION or APP_ENV=PROD (case-insensitive) both qualify.
func IsProduction() bool {
	if strings.EqualFold(os.Getenv("ENVIRONMENT"), "PRODUCTION") {
		return true
	}
	return strings.EqualFold(os.Getenv("APP_ENV"), "PROD")
}

// substituteEnv replaces every ${VAR} token in raw with the value of the
// environment variable VAR, applying defaults for unset non-critical
// variables. When production is true, a critical variable that is unset,
// still at its development default, or too weak aborts the substitution.
func substituteEnv(raw []byte, production bool) ([]byte, error) {
	var substErr error
	out := envPattern.ReplaceAllFunc(raw, func(token []byte) []byte {
		name := string(envPattern.FindSubmatch(token)[1])
		value, err := resolveEnv(name, production)
		if err != nil && substErr == nil {
			substErr = err
		}
		return []byte(escapeJSONString(value))
	})
	if substErr != nil {
		return nil, substErr
	}
	return out, nil
}

func resolveEnv(name string, production bool) (string, error) {
	value, set := os.LookupEnv(name)
	devDefault, critical := devDefaults[name]

	if !critical {
		if set {
			return value, nil
		}
		if def, ok := envDefaults[name]; ok {
			return def, nil
		}
		slog.Warn("config variable not set, substituting empty value", "var", name)
		return "", nil
	}

	if !production {
		if set {
			return value, nil
		}
		return devDefault, nil
	}

	if !set || value == "" {
		return "", fmt.Errorf("%w: critical variable %s must be set in production", ErrConfig, name)
	}
	if value == devDefault {
		return "", fmt.Errorf("%w: critical variable %s still holds its development default", ErrConfig, name)
	}
	lower := strings.ToLower(value)
	for _, tok := range weakTokens {
		if strings.Contains(lower, tok) {
			return "", fmt.Errorf("%w: critical variable %s looks like a placeholder value", ErrConfig, name)
		}
	}
	if name == "JWT_SECRET" && len(value) < minJWTSecretLen {
		return "", fmt.Errorf("%w: JWT_SECRET must be at least %d bytes in production", ErrConfig, minJWTSecretLen)
	}
	return value, nil
}

// escapeJSONString escapes characters that would terminate or corrupt the
// JSON string the token sits inside. Substitution happens on the raw file
// text, so values with quotes or backslashes must stay parseable.
func escapeJSONString(s string) string {
	if !strings.ContainsAny(s, `"\`+"\n\r\t") {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
