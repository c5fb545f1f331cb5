package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	pserr "packetsender/internal/errors"
)

// Store is a read-only key/value settings source.  It is consulted only
// while building a snapshot.
type Store interface {
	Lookup(key string) (string, bool)
}

// MapStore is an in-memory Store.
type MapStore map[string]string

// Lookup implements Store.
func (m MapStore) Lookup(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// Layered consults each store in order; the first hit wins.
type Layered []Store

// Lookup implements Store.
func (l Layered) Lookup(key string) (string, bool) {
	for _, s := range l {
		if s == nil {
			continue
		}
		if v, ok := s.Lookup(key); ok {
			return v, true
		}
	}
	return "", false
}

// ── YAML settings file ───────────────────────────────────────────────

// YAMLStore holds the flat key/value mapping of a settings file.
type YAMLStore struct {
	values map[string]string
}

// LoadYAML reads a flat YAML mapping such as
//
//	udpPort: 55056
//	sendResponse: true
//	responseHex: "48 65 6C 6C 6F"
//
// A missing file yields an empty store so first runs work without one.
func LoadYAML(path string) (*YAMLStore, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &YAMLStore{values: map[string]string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings %s: %w", path, err)
	}
	return ParseYAML(data)
}

// ParseYAML decodes settings from raw YAML.
func ParseYAML(data []byte) (*YAMLStore, error) {
	raw := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	values := make(map[string]string, len(raw))
	for k, v := range raw {
		switch v.(type) {
		case map[string]interface{}, []interface{}:
			return nil, &pserr.ConfigError{Key: k, Message: "nested values are not supported",
				Hint: "settings are a flat key: value mapping"}
		case nil:
			values[k] = ""
		default:
			values[k] = fmt.Sprint(v)
		}
	}
	return &YAMLStore{values: values}, nil
}

// Lookup implements Store.
func (y *YAMLStore) Lookup(key string) (string, bool) {
	v, ok := y.values[key]
	return v, ok
}

// ── typed reads ──────────────────────────────────────────────────────

// reader converts raw settings values, remembering the first error.
type reader struct {
	st  Store
	err error
}

func (r *reader) fail(key, val, msg string) {
	if r.err == nil {
		r.err = &pserr.ConfigError{Key: key, Value: val, Message: msg}
	}
}

func (r *reader) str(key, def string) string {
	if v, ok := r.st.Lookup(key); ok {
		return v
	}
	return def
}

func (r *reader) boolean(key string, def bool) bool {
	v, ok := r.st.Lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	r.fail(key, v, "not a boolean")
	return def
}

func (r *reader) integer(key string, def int) int {
	v, ok := r.st.Lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		r.fail(key, v, "not an integer")
		return def
	}
	return n
}

func (r *reader) float(key string, def float64) float64 {
	v, ok := r.st.Lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		r.fail(key, v, "not a number")
		return def
	}
	return f
}

// port reads a bind port; 0 means "pick an ephemeral port".
func (r *reader) port(key string) int {
	p := r.integer(key, 0)
	if p < 0 || p > 65535 {
		r.fail(key, strconv.Itoa(p), "port out of range 0-65535")
		return 0
	}
	return p
}

func (r *reader) millis(key string, def time.Duration) time.Duration {
	ms := r.integer(key, -1)
	if ms < 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// ipMode accepts 4 or 6; like the settings dialog, any larger number
// selects IPv6.
func (r *reader) ipMode() IPMode {
	v, _ := r.st.Lookup(KeyIPMode)
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "4", "ipv4", "v4":
		return IPv4
	case "6", "ipv6", "v6":
		return IPv6
	}
	n := r.integer(KeyIPMode, 4)
	if n > 4 {
		return IPv6
	}
	r.fail(KeyIPMode, v, "must be 4 or 6")
	return IPv4
}
