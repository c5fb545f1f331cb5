package config

// env.go - settings overrides from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file, optionally seeded from .env)
//   3. Settings file  (store.go)
//   4. Defaults   (defaults.go)

import (
	"os"
	"strings"
	"unicode"

	"github.com/joho/godotenv"
)

// EnvStore maps settings keys onto PACKETSENDER_* variables:
// udpPort becomes PACKETSENDER_UDP_PORT, responseIfEqual3 becomes
// PACKETSENDER_RESPONSE_IF_EQUAL3.
type EnvStore struct {
	Prefix string
	Getenv func(string) (string, bool)
}

// NewEnvStore returns an EnvStore reading the process environment.
func NewEnvStore() *EnvStore {
	return &EnvStore{Prefix: EnvPrefix, Getenv: os.LookupEnv}
}

// Lookup implements Store.  Empty variables do not override.
func (e *EnvStore) Lookup(key string) (string, bool) {
	v, ok := e.Getenv(EnvName(e.Prefix, key))
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// EnvName converts a camelCase settings key to its variable name.
func EnvName(prefix, key string) string {
	var sb strings.Builder
	sb.WriteString(prefix)
	runes := []rune(key)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) && !unicode.IsUpper(runes[i-1]) {
			sb.WriteByte('_')
		}
		sb.WriteRune(unicode.ToUpper(r))
	}
	return sb.String()
}

// LoadDotEnv seeds the process environment from a .env file.  Existing
// variables win over the file.  An empty path is a no-op.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	return godotenv.Load(path)
}
