// Package loader handles configuration file loading, validation, and application.
//
// This package is responsible for:
//   - Loading YAML configuration files
//   - Expanding environment variables
//   - Processing include directives
//   - Converting YAML sections into component configurations
//   - Applying the inventory to the metastore
//   - Watching credential files for changes
package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/vigil/config"
	"github.com/xtxerr/vigil/internal/ciphers"
	"github.com/xtxerr/vigil/internal/credentials"
	"github.com/xtxerr/vigil/internal/errors"
	"github.com/xtxerr/vigil/internal/evalfunc"
	"github.com/xtxerr/vigil/internal/history"
	"github.com/xtxerr/vigil/internal/logging"
	"github.com/xtxerr/vigil/internal/pskresolve"
	"github.com/xtxerr/vigil/internal/secure"
	"github.com/xtxerr/vigil/internal/store"
	"github.com/xtxerr/vigil/internal/validation"
	"github.com/xtxerr/vigil/internal/valuecache"
)

var log = logging.Component("loader")

// =============================================================================
// Load
// =============================================================================

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %v: %w", err, errors.ErrIO)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	// Process includes (load additional inventory files)
	baseDir := filepath.Dir(path)
	if err := processIncludes(cfg, baseDir); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Parse parses configuration from YAML data on top of DefaultConfig.
// Environment variables are expanded first.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %v: %w", err, errors.ErrParse)
	}
	return cfg, nil
}

// processIncludes loads and merges included inventory files.
func processIncludes(cfg *Config, baseDir string) error {
	for _, pattern := range cfg.Include {
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(baseDir, pattern)
		}

		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("invalid include pattern %q: %v: %w", pattern, err, errors.ErrParse)
		}

		for _, match := range matches {
			if err := loadInclude(cfg, match); err != nil {
				return fmt.Errorf("load include %q: %w", match, err)
			}
		}
	}

	return nil
}

// loadInclude loads a single include file and merges its inventory.
// Later definitions replace earlier ones of the same name.
func loadInclude(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%v: %w", err, errors.ErrIO)
	}

	expanded := os.ExpandEnv(string(data))

	var partial Config
	if err := yaml.Unmarshal([]byte(expanded), &partial); err != nil {
		return fmt.Errorf("parse: %v: %w", err, errors.ErrParse)
	}

	inv := &cfg.Inventory
	inv.Macros = mergeMap(inv.Macros, partial.Inventory.Macros)
	inv.Hosts = mergeMap(inv.Hosts, partial.Inventory.Hosts)
	inv.ValueMaps = mergeMap(inv.ValueMaps, partial.Inventory.ValueMaps)
	inv.Regexps = mergeMap(inv.Regexps, partial.Inventory.Regexps)
	inv.PSKs = mergeMap(inv.PSKs, partial.Inventory.PSKs)
	return nil
}

func mergeMap[V any](dst, src map[string]V) map[string]V {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]V, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// =============================================================================
// Validate
// =============================================================================

// Validate validates the configuration.
func Validate(cfg *Config) error {
	errs := errors.NewValidationErrors()

	if cfg.Listen == "" {
		errs.AddField("listen", "cannot be empty")
	}
	if _, err := cfg.PSKRole(); err != nil {
		errs.AddField("role", fmt.Sprintf("unknown role %q", cfg.Role))
	}

	validateTLS(&cfg.TLS, errs)

	if cfg.Server.HandshakeFailuresPerMinute < 1 {
		errs.AddField("server.handshake_failures_per_minute", "must be at least 1")
	}
	if cfg.Server.MaxRequestSize.Bytes() < 64 {
		errs.AddField("server.max_request_size", "must be at least 64 bytes")
	}

	if cfg.Metastore.Path == "" {
		errs.AddField("metastore.path", "cannot be empty")
	}

	switch cfg.PSKCache.Source {
	case "metastore", "none":
	case "redis":
		if cfg.PSKCache.Redis.Addr == "" {
			errs.AddField("psk_cache.redis.addr", "cannot be empty when source is redis")
		}
	default:
		errs.AddField("psk_cache.source", fmt.Sprintf("unknown source %q", cfg.PSKCache.Source))
	}
	if cfg.PSKCache.Size < 1 {
		errs.AddField("psk_cache.size", "must be at least 1")
	}

	if cfg.ValueCache.ValuesPerItem < 1 {
		errs.AddField("valuecache.values_per_item", "must be at least 1")
	}
	if _, err := cfg.Evaluation.Location(); err != nil {
		errs.AddField("evaluation.timezone", err.Error())
	}

	validateInventory(&cfg.Inventory, errs)

	return errs.Err()
}

func validateTLS(t *TLSConfig, errs *errors.ValidationErrors) {
	connect, err := secure.ParseMode(t.Connect)
	if err != nil {
		errs.AddField("tls.connect", err.Error())
	}
	accept, err := secure.ParseModes(t.Accept)
	if err != nil {
		errs.AddField("tls.accept", err.Error())
	} else if accept == 0 {
		errs.AddField("tls.accept", "at least one connection type is required")
	}
	usesCert := connect == secure.ModeCert || accept&secure.ModeCert != 0

	if t.HasCertificate() {
		for field, v := range map[string]string{"tls.ca_file": t.CAFile, "tls.cert_file": t.CertFile, "tls.key_file": t.KeyFile} {
			if v == "" {
				errs.AddField(field, "required with certificate credentials")
			}
		}
	} else {
		if t.CRLFile != "" {
			errs.AddField("tls.crl_file", "requires tls.cert_file")
		}
		if t.ServerCertIssuer != "" || t.ServerCertSubject != "" {
			errs.AddField("tls.server_cert_issuer", "requires tls.cert_file")
		}
		if usesCert {
			errs.AddField("tls.cert_file", "required when certificate connections are used")
		}
	}

	if t.HasPSK() {
		if t.PSKFile == "" {
			errs.AddField("tls.psk_file", "required with tls.psk_identity")
		}
		if t.PSKIdentity == "" {
			errs.AddField("tls.psk_identity", "required with tls.psk_file")
		} else if len(t.PSKIdentity) > config.PSKIdentityMaxLen {
			errs.AddField("tls.psk_identity", fmt.Sprintf("longer than %d bytes", config.PSKIdentityMaxLen))
		}
	} else if connect == secure.ModePSK {
		errs.AddField("tls.psk_file", "required when connecting with PSK")
	}

	if t.TimeoutSec < 1 || t.TimeoutSec > 30 {
		errs.AddField("tls.timeout_sec", "must be between 1 and 30")
	}
}

func validateInventory(inv *InventoryConfig, errs *errors.ValidationErrors) {
	for token := range inv.Macros {
		if _, _, _, ok := evalfunc.ParseUserMacro(token); !ok {
			errs.AddField("inventory.macros", fmt.Sprintf("invalid macro %q", token))
		}
	}

	hostIDs := make(map[uint64]string)
	itemIDs := make(map[uint64]string)
	for name, h := range inv.Hosts {
		field := "inventory.hosts." + name
		if h == nil {
			errs.AddField(field, "cannot be empty")
			continue
		}
		if h.ID == 0 {
			errs.AddField(field+".id", "cannot be zero")
		} else if other, dup := hostIDs[h.ID]; dup {
			errs.AddField(field+".id", fmt.Sprintf("duplicates host %s", other))
		}
		hostIDs[h.ID] = name

		if err := validation.ValidateHostName(name); err != nil {
			errs.AddField(field, err.Error())
		}
		if _, err := secure.ParseModes(h.TLSAccept); err != nil {
			errs.AddField(field+".tls_accept", err.Error())
		}
		if h.TLSPSK != "" {
			if h.TLSPSKIdentity == "" {
				errs.AddField(field+".tls_psk_identity", "required with tls_psk")
			}
			if _, err := credentials.DecodePSK(h.TLSPSK); err != nil {
				errs.AddField(field+".tls_psk", err.Error())
			}
		}
		for token := range h.Macros {
			if _, _, _, ok := evalfunc.ParseUserMacro(token); !ok {
				errs.AddField(field+".macros", fmt.Sprintf("invalid macro %q", token))
			}
		}

		for key, it := range h.Items {
			ifield := fmt.Sprintf("%s.items[%s]", field, key)
			if it == nil {
				errs.AddField(ifield, "cannot be empty")
				continue
			}
			if it.ID == 0 {
				errs.AddField(ifield+".id", "cannot be zero")
			} else if other, dup := itemIDs[it.ID]; dup {
				errs.AddField(ifield+".id", fmt.Sprintf("duplicates item %s", other))
			}
			itemIDs[it.ID] = name + ":" + key

			if err := validation.ValidateItemKey(key); err != nil {
				errs.AddField(ifield, err.Error())
			}
			if _, err := ParseValueType(it.ValueType); err != nil {
				errs.AddField(ifield+".value_type", err.Error())
			}
			if it.ValueMap != "" {
				if _, ok := inv.ValueMaps[it.ValueMap]; !ok {
					errs.AddField(ifield+".value_map", fmt.Sprintf("unknown value map %q", it.ValueMap))
				}
			}
		}
	}

	for name, vm := range inv.ValueMaps {
		if vm == nil || vm.ID == 0 {
			errs.AddField("inventory.value_maps."+name+".id", "cannot be zero")
		}
	}

	for name, re := range inv.Regexps {
		field := "inventory.regexps." + name
		if re == nil || re.ID == 0 {
			errs.AddField(field+".id", "cannot be zero")
			continue
		}
		for i, e := range re.Expressions {
			if _, err := ParseExpressionType(e.Type); err != nil {
				errs.AddField(fmt.Sprintf("%s.expressions[%d].type", field, i), err.Error())
			}
			if len(e.Delimiter) > 1 {
				errs.AddField(fmt.Sprintf("%s.expressions[%d].delimiter", field, i), "must be a single character")
			}
		}
	}

	for identity, key := range inv.PSKs {
		if err := credentials.ValidateIdentity(identity); err != nil {
			errs.AddField("inventory.psks", err.Error())
		}
		if _, err := credentials.DecodePSK(key); err != nil {
			errs.AddField("inventory.psks."+identity, err.Error())
		}
	}
}

// =============================================================================
// Conversion: Config → Component Configs
// =============================================================================

// Credentials returns the credential file configuration.
func (c *Config) Credentials() credentials.Config {
	return credentials.Config{
		CAFile:      c.TLS.CAFile,
		CRLFile:     c.TLS.CRLFile,
		CertFile:    c.TLS.CertFile,
		KeyFile:     c.TLS.KeyFile,
		PSKFile:     c.TLS.PSKFile,
		PSKIdentity: c.TLS.PSKIdentity,
	}
}

// CipherOverrides returns the cipher suite overrides.
func (c *Config) CipherOverrides() ciphers.Overrides {
	return ciphers.Overrides{
		Cert:   c.TLS.CipherCert,
		Cert13: c.TLS.CipherCert13,
		PSK:    c.TLS.CipherPSK,
		PSK13:  c.TLS.CipherPSK13,
		All:    c.TLS.CipherAll,
		All13:  c.TLS.CipherAll13,
	}
}

// SecureConfig returns the session configuration.
func (c *Config) SecureConfig() secure.Config {
	return secure.Config{
		Timeout: time.Duration(c.TLS.TimeoutSec) * time.Second,
	}
}

// AcceptModes returns the inbound connection type mask.
func (c *Config) AcceptModes() (secure.Mode, error) {
	return secure.ParseModes(c.TLS.Accept)
}

// ConnectParams returns the outbound connection parameters. The PSK, if
// any, comes from the credential store.
func (c *Config) ConnectParams() (secure.ConnectParams, error) {
	mode, err := secure.ParseMode(c.TLS.Connect)
	if err != nil {
		return secure.ConnectParams{}, err
	}
	return secure.ConnectParams{
		Mode:        mode,
		Issuer:      c.TLS.ServerCertIssuer,
		Subject:     c.TLS.ServerCertSubject,
		PSKIdentity: c.TLS.PSKIdentity,
	}, nil
}

// PSKRole returns the PSK resolution role.
func (c *Config) PSKRole() (pskresolve.Role, error) {
	switch strings.ToLower(c.Role) {
	case "", "server":
		return pskresolve.RoleServer, nil
	case "proxy":
		return pskresolve.RoleProxy, nil
	case "agent":
		return pskresolve.RoleAgent, nil
	}
	return 0, fmt.Errorf("unknown role %q: %w", c.Role, errors.ErrValidation)
}

// StoreConfig returns the metastore configuration.
func (c *Config) StoreConfig() store.Config {
	cfg := store.DefaultConfig()
	cfg.DSN = c.Metastore.Path
	cfg.MaxOpenConns = c.Metastore.MaxOpenConns
	cfg.MaxIdleConns = c.Metastore.MaxIdleConns
	cfg.ConnMaxLifetime = c.Metastore.ConnMaxLifetime.Duration()
	cfg.QueryTimeout = c.Metastore.QueryTimeout.Duration()
	return cfg
}

// ValueCacheConfig returns the value cache configuration.
func (c *Config) ValueCacheConfig() valuecache.Config {
	return valuecache.Config{ValuesPerItem: c.ValueCache.ValuesPerItem}
}

var valueTypes = map[string]history.ValueType{
	"":       history.ValueTypeFloat,
	"float":  history.ValueTypeFloat,
	"str":    history.ValueTypeStr,
	"log":    history.ValueTypeLog,
	"uint64": history.ValueTypeUint64,
	"text":   history.ValueTypeText,
}

// ParseValueType parses an item value type name.
func ParseValueType(s string) (history.ValueType, error) {
	if vt, ok := valueTypes[strings.ToLower(s)]; ok {
		return vt, nil
	}
	return 0, fmt.Errorf("unknown value type %q: %w", s, errors.ErrValidation)
}

var expressionTypes = map[string]evalfunc.ExpressionType{
	"included":     evalfunc.ExprIncluded,
	"any_included": evalfunc.ExprAnyIncluded,
	"not_included": evalfunc.ExprNotIncluded,
	"true":         evalfunc.ExprTrue,
	"false":        evalfunc.ExprFalse,
}

// ParseExpressionType parses a global expression type name.
func ParseExpressionType(s string) (evalfunc.ExpressionType, error) {
	if t, ok := expressionTypes[strings.ToLower(s)]; ok {
		return t, nil
	}
	return 0, fmt.Errorf("unknown expression type %q: %w", s, errors.ErrValidation)
}

// =============================================================================
// Apply: Inventory → Metastore
// =============================================================================

// ApplyResult contains the result of applying the inventory.
type ApplyResult struct {
	HostsCreated     int
	HostsUpdated     int
	ItemsCreated     int
	ItemsUpdated     int
	ValueMapsApplied int
	RegexpsApplied   int
	MacrosApplied    int
	PSKsApplied      int
	Errors           []string
}

// Apply writes the inventory into the metastore. Hosts and items are
// created or updated by id; value maps, regexps, macros and PSKs are
// replaced.
func Apply(ctx context.Context, cfg *Config, st *store.Store) (*ApplyResult, error) {
	result := &ApplyResult{}
	inv := &cfg.Inventory

	valueMapIDs := make(map[string]uint64, len(inv.ValueMaps))
	for _, name := range sortedKeys(inv.ValueMaps) {
		vm := inv.ValueMaps[name]
		if err := st.CreateValueMap(ctx, vm.ID, name, vm.Mappings); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("value map %s: %v", name, err))
			continue
		}
		valueMapIDs[name] = vm.ID
		result.ValueMapsApplied++
	}

	for _, name := range sortedKeys(inv.Regexps) {
		if err := applyRegexp(ctx, st, name, inv.Regexps[name]); err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.RegexpsApplied++
	}

	for _, token := range sortedKeys(inv.Macros) {
		if err := st.SetGlobalMacro(ctx, token, inv.Macros[token]); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("global macro %s: %v", token, err))
			continue
		}
		result.MacrosApplied++
	}

	for _, identity := range sortedKeys(inv.PSKs) {
		if err := st.SetPSK(ctx, identity, inv.PSKs[identity]); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("psk %s: %v", identity, err))
			continue
		}
		result.PSKsApplied++
	}

	for _, name := range sortedKeys(inv.Hosts) {
		if err := applyHost(ctx, st, name, inv.Hosts[name], valueMapIDs, result); err != nil {
			result.Errors = append(result.Errors, err.Error())
		}
	}

	log.Info("inventory applied",
		"hosts_created", result.HostsCreated,
		"hosts_updated", result.HostsUpdated,
		"items_created", result.ItemsCreated,
		"items_updated", result.ItemsUpdated,
		"psks", result.PSKsApplied,
		"errors", len(result.Errors))

	if len(result.Errors) > 0 {
		return result, fmt.Errorf("apply had %d errors: %w", len(result.Errors), errors.ErrValidation)
	}
	return result, nil
}

func applyHost(ctx context.Context, st *store.Store, name string, cfg *HostConfig, valueMapIDs map[string]uint64, result *ApplyResult) error {
	accept, err := secure.ParseModes(cfg.TLSAccept)
	if err != nil {
		return fmt.Errorf("host %s: %w", name, err)
	}
	if accept == 0 {
		accept = secure.ModeUnencrypted
	}

	h := &store.Host{
		ID:             cfg.ID,
		Name:           name,
		Status:         statusOf(cfg.Disabled),
		TLSAccept:      int(accept),
		TLSIssuer:      cfg.TLSIssuer,
		TLSSubject:     cfg.TLSSubject,
		TLSPSKIdentity: cfg.TLSPSKIdentity,
	}

	existing, err := st.HostByName(ctx, name)
	switch {
	case errors.Is(err, errors.ErrNotFound):
		if err := st.CreateHost(ctx, h); err != nil {
			return fmt.Errorf("create host %s: %w", name, err)
		}
		result.HostsCreated++
	case err != nil:
		return fmt.Errorf("get host %s: %w", name, err)
	default:
		if existing.ID != h.ID {
			return fmt.Errorf("host %s exists with id %d, not %d: %w", name, existing.ID, h.ID, errors.ErrValidation)
		}
		if err := st.UpdateHost(ctx, h); err != nil {
			return fmt.Errorf("update host %s: %w", name, err)
		}
		result.HostsUpdated++
	}

	if cfg.TLSPSK != "" {
		if err := st.SetPSK(ctx, cfg.TLSPSKIdentity, cfg.TLSPSK); err != nil {
			return fmt.Errorf("host %s psk: %w", name, err)
		}
		result.PSKsApplied++
	}

	for _, token := range sortedKeys(cfg.Macros) {
		if err := st.SetHostMacro(ctx, h.ID, token, cfg.Macros[token]); err != nil {
			return fmt.Errorf("host %s macro %s: %w", name, token, err)
		}
		result.MacrosApplied++
	}

	for _, key := range sortedKeys(cfg.Items) {
		if err := applyItem(ctx, st, h.ID, key, cfg.Items[key], valueMapIDs, result); err != nil {
			return fmt.Errorf("host %s: %w", name, err)
		}
	}
	return nil
}

func applyItem(ctx context.Context, st *store.Store, hostID uint64, key string, cfg *ItemConfig, valueMapIDs map[string]uint64, result *ApplyResult) error {
	vt, err := ParseValueType(cfg.ValueType)
	if err != nil {
		return fmt.Errorf("item %s: %w", key, err)
	}

	it := &store.Item{
		ID:         cfg.ID,
		HostID:     hostID,
		Key:        key,
		ValueType:  vt,
		Units:      cfg.Units,
		ValueMapID: valueMapIDs[cfg.ValueMap],
		Status:     statusOf(cfg.Disabled),
	}

	exists, err := st.ItemExists(ctx, it.ID)
	if err != nil {
		return fmt.Errorf("item %s: %w", key, err)
	}
	if exists {
		if err := st.UpdateItem(ctx, it); err != nil {
			return fmt.Errorf("update item %s: %w", key, err)
		}
		result.ItemsUpdated++
		return nil
	}
	if err := st.CreateItem(ctx, it); err != nil {
		return fmt.Errorf("create item %s: %w", key, err)
	}
	result.ItemsCreated++
	return nil
}

func applyRegexp(ctx context.Context, st *store.Store, name string, cfg *RegexpConfig) error {
	exprs := make([]evalfunc.GlobalExpression, 0, len(cfg.Expressions))
	for _, e := range cfg.Expressions {
		typ, err := ParseExpressionType(e.Type)
		if err != nil {
			return fmt.Errorf("regexp %s: %w", name, err)
		}
		ge := evalfunc.GlobalExpression{
			Expression:    e.Expression,
			Type:          typ,
			Delimiter:     ',',
			CaseSensitive: e.CaseSensitive,
		}
		if e.Delimiter != "" {
			ge.Delimiter = e.Delimiter[0]
		}
		exprs = append(exprs, ge)
	}
	if err := st.CreateRegexp(ctx, cfg.ID, name, exprs); err != nil {
		return fmt.Errorf("regexp %s: %w", name, err)
	}
	return nil
}

func statusOf(disabled bool) int {
	if disabled {
		return store.StatusDisabled
	}
	return store.StatusEnabled
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
