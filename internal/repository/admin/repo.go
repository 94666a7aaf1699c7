// Package admin stores the flat repository settings (identity, OAI page
// sizes, trusted IPs, boosting factors, per-format namespaces) persisted
// alongside the index.
package admin

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Setting keys.
const (
	KeyRepositoryName        = "repositoryName"
	KeyRepositoryIdentifier  = "repositoryIdentifier"
	KeyProtocolVersion       = "protocolVersion"
	KeyGranularity           = "granularity" // "days" or "seconds"
	KeyAdminEmails           = "adminEmails"
	KeyDescriptions          = "descriptions"
	KeyCompressions          = "compressions"
	KeyOAIPMHEnabled         = "oaiPmhEnabled"
	KeyNumRecordsResults     = "numRecordsResults"
	KeyNumIdentifiersResults = "numIdentifiersResults"
	KeyTrustedIPs            = "trustedIPs"
	KeyDrcBoostFactor        = "drcBoostFactor"
	KeyMultiDocBoostFactor   = "multiDocBoostFactor"
	KeyTitleBoostFactor      = "titleBoostFactor"
	KeyStemmingBoostFactor   = "stemmingBoostFactor"
	KeyStemmingEnabled       = "stemmingEnabled"
	KeyOAIFilterQuery        = "oaiFilterQuery"

	// per-format keys are KeyFormatNamespace/KeyFormatSchema + "." + format
	keyNamespacePrefix = "ns."
	keySchemaPrefix    = "schema."
)

// Granularity values.
const (
	GranularityDays    = "days"
	GranularitySeconds = "seconds"
)

const (
	defaultProtocolVersion = "2.0"
	defaultNumRecords      = 250
	defaultNumIdentifiers  = 500
)

var boostKeys = map[string]bool{
	KeyDrcBoostFactor:      true,
	KeyMultiDocBoostFactor: true,
	KeyTitleBoostFactor:    true,
	KeyStemmingBoostFactor: true,
}

// store is the consumer interface for settings persistence (ISP).
type store interface {
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

// Repo caches the settings map in memory and writes through to the store.
// Last writer wins; there is no versioning.
type Repo struct {
	store   store
	hashKey string

	mu     sync.RWMutex
	values map[string]string
}

// New creates a settings repository. keyPrefix namespaces the persisted
// hash, e.g. "metarepo:".
func New(s store, keyPrefix string) *Repo {
	return &Repo{store: s, hashKey: keyPrefix + "admin:settings", values: map[string]string{}}
}

// Load hydrates the in-memory map from the store.
func (r *Repo) Load(ctx context.Context) error {
	m, err := r.store.HGetAll(ctx, r.hashKey)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	r.mu.Lock()
	r.values = m
	r.mu.Unlock()
	return nil
}

// All returns a copy of the settings map.
func (r *Repo) All() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// Get returns the raw value of a setting, or "".
func (r *Repo) Get(key string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.values[key]
}

// Set validates, stores and persists one setting.
func (r *Repo) Set(ctx context.Context, key, value string) error {
	return r.SetAll(ctx, map[string]string{key: value})
}

// SetAll validates, stores and persists a batch of settings.
func (r *Repo) SetAll(ctx context.Context, settings map[string]string) error {
	for k, v := range settings {
		if err := validate(k, v); err != nil {
			return err
		}
	}

	r.mu.Lock()
	for k, v := range settings {
		r.values[k] = v
	}
	r.mu.Unlock()

	if err := r.store.HSet(ctx, r.hashKey, settings); err != nil {
		return fmt.Errorf("persist settings: %w", err)
	}
	return nil
}

func validate(key, value string) error {
	switch {
	case boostKeys[key]:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f < 0 {
			return fmt.Errorf("%s must be a non-negative number, got %q", key, value)
		}
	case key == KeyGranularity:
		if value != GranularityDays && value != GranularitySeconds {
			return fmt.Errorf("granularity must be %q or %q, got %q", GranularityDays, GranularitySeconds, value)
		}
	}
	return nil
}

// --- typed accessors ---

// RepositoryName returns the repository display name.
func (r *Repo) RepositoryName() string { return r.Get(KeyRepositoryName) }

// RepositoryIdentifier returns the oai-identifier domain part.
func (r *Repo) RepositoryIdentifier() string { return r.Get(KeyRepositoryIdentifier) }

// ProtocolVersion returns the OAI-PMH protocol version.
func (r *Repo) ProtocolVersion() string {
	if v := r.Get(KeyProtocolVersion); v != "" {
		return v
	}
	return defaultProtocolVersion
}

// Granularity returns the datestamp granularity, defaulting to seconds.
func (r *Repo) Granularity() string {
	if v := r.Get(KeyGranularity); v != "" {
		return v
	}
	return GranularitySeconds
}

// AdminEmails returns the configured admin email addresses.
func (r *Repo) AdminEmails() []string { return splitList(r.Get(KeyAdminEmails)) }

// Descriptions returns the repository description XML fragments.
func (r *Repo) Descriptions() []string { return splitList(r.Get(KeyDescriptions)) }

// Compressions returns the supported compression encodings.
func (r *Repo) Compressions() []string { return splitList(r.Get(KeyCompressions)) }

// OAIPMHEnabled reports whether the OAI data provider surface is on.
// It defaults to true.
func (r *Repo) OAIPMHEnabled() bool {
	v := r.Get(KeyOAIPMHEnabled)
	return v == "" || v == "true"
}

// NumRecordsResults returns the ListRecords page size.
func (r *Repo) NumRecordsResults() int {
	return r.intSetting(KeyNumRecordsResults, defaultNumRecords)
}

// NumIdentifiersResults returns the ListIdentifiers page size.
func (r *Repo) NumIdentifiersResults() int {
	return r.intSetting(KeyNumIdentifiersResults, defaultNumIdentifiers)
}

// BoostFactor returns a boosting factor setting, defaulting to 1.
func (r *Repo) BoostFactor(key string) float64 {
	v := r.Get(key)
	if v == "" {
		return 1
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 1
	}
	return f
}

// StemmingEnabled reports whether stemmed-term boosting is on.
func (r *Repo) StemmingEnabled() bool { return r.Get(KeyStemmingEnabled) == "true" }

// FormatNamespace returns the XML namespace registered for a format.
func (r *Repo) FormatNamespace(format string) string {
	return r.Get(keyNamespacePrefix + format)
}

// FormatSchema returns the schema location registered for a format.
func (r *Repo) FormatSchema(format string) string {
	return r.Get(keySchemaPrefix + format)
}

// TrustedIPs returns the configured trusted-IP patterns.
func (r *Repo) TrustedIPs() []string { return splitList(r.Get(KeyTrustedIPs)) }

// IsTrustedIP reports whether ip matches any trusted pattern. Patterns
// may end in '*' to match a prefix, e.g. "128.117.*".
func (r *Repo) IsTrustedIP(ip string) bool {
	for _, pat := range r.TrustedIPs() {
		if pat == "*" || pat == ip {
			return true
		}
		if strings.HasSuffix(pat, "*") && strings.HasPrefix(ip, strings.TrimSuffix(pat, "*")) {
			return true
		}
	}
	return false
}

func (r *Repo) intSetting(key string, def int) int {
	v := r.Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
