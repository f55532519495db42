package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile = ".env"
	defaultPort    = "8080"

	defaultReadTimeout     = 15 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 20 * time.Second

	defaultRedisDedupTTL = 24 * time.Hour

	defaultMailPort    = 587
	defaultMailTimeout = 10 * time.Second

	defaultLoyaltyCacheTTL = 5 * time.Minute

	defaultTxAttempts            = 5
	defaultTxTimeout             = 15 * time.Second
	defaultStatusAttempts        = 3
	defaultBulkConcurrency       = 4
	defaultBulkMaxOrders         = 200
	defaultBulkRateLimit         = 10
	defaultBulkRateWindow        = time.Minute
	defaultSideEffectTimeout     = 30 * time.Second
	defaultSideEffectConcurrency = 16

	defaultLowStockThreshold = 5

	defaultIdempotencyHeader = "Idempotency-Key"
	defaultIdempotencyTTL    = 24 * time.Hour
)

// Store backends for orders, products, users and notifications.
const (
	StoreBackendFirestore = "firestore"
	StoreBackendMemory    = "memory"
)

// Loyalty config sources.
const (
	LoyaltySourceFirestore = "firestore"
	LoyaltySourceGCS       = "gcs"
	LoyaltySourceStatic    = "static"
)

// Loyalty dispatch modes.
const (
	LoyaltyDispatchInline = "inline"
	LoyaltyDispatchQueue  = "queue"
)

// Idempotency stores.
const (
	IdempotencyStoreMemory = "memory"
	IdempotencyStoreRedis  = "redis"
)

// Config holds the fully resolved runtime configuration.
type Config struct {
	Environment string
	Version     string
	CommitSHA   string
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Store       StoreConfig
	Redis       RedisConfig
	PubSub      PubSubConfig
	Mail        MailConfig
	Loyalty     LoyaltyConfig
	Fulfillment FulfillmentConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
	Health      HealthConfig
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            string
	BaseURL         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// FirebaseConfig configures Firebase Authentication.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig configures the Firestore client.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// StoreConfig selects the document store. The memory backend keeps everything in process
// and may be seeded from a JSON file; it is meant for local development.
type StoreConfig struct {
	Backend  string
	SeedFile string
}

// RedisConfig configures the Redis client used for idempotency and event dedup.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	DedupTTL time.Duration
}

// PubSubConfig configures order event publication.
type PubSubConfig struct {
	ProjectID        string
	OrderEventsTopic string
	EmulatorHost     string
}

// MailConfig configures the SMTP transport for status emails.
type MailConfig struct {
	Enabled   bool
	Host      string
	Port      int
	Username  string
	Password  string
	From      string
	FromName  string
	TLSPolicy string
	Timeout   time.Duration
	Locale    string
}

// LoyaltyConfig selects where tier tables come from and how recomputation is scheduled.
type LoyaltyConfig struct {
	Source   string
	Bucket   string
	Object   string
	CacheTTL time.Duration
	Dispatch string
}

// FulfillmentConfig bounds the allocator transaction and background side effects.
type FulfillmentConfig struct {
	TxAttempts            int
	TxTimeout             time.Duration
	StatusAttempts        int
	BulkConcurrency       int
	BulkMaxOrders         int
	BulkRateLimit         int
	BulkRateWindow        time.Duration
	SideEffectTimeout     time.Duration
	SideEffectConcurrency int
}

// SecurityConfig holds service-to-service authentication settings.
type SecurityConfig struct {
	OIDC OIDCConfig
}

// OIDCConfig configures verification of Google-signed tokens on internal routes.
type OIDCConfig struct {
	JWKSURL  string
	Audience string
	Issuers  []string
}

// IdempotencyConfig configures the Idempotency-Key middleware.
type IdempotencyConfig struct {
	Header string
	TTL    time.Duration
	Store  string
}

// HealthConfig lists products whose key pools are watched by the readiness report.
type HealthConfig struct {
	WatchProducts     []string
	LowStockThreshold int
}

// SecretResolver resolves secret:// references.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts a function to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret implements SecretResolver.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError lists every configuration field that failed validation.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return "config: invalid or missing fields: " + strings.Join(e.fields, ", ")
}

// Fields returns a copy of the failing field names.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// SecretError reports a secret reference that could not be resolved.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("config: resolve secret %s: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError lists required secrets that resolved to empty values.
// Names are redacted in the message so logs never carry them.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	redacted := make([]string, len(e.names))
	for i, name := range e.names {
		redacted[i] = redactSecretName(name)
	}
	return "config: required secrets missing: " + strings.Join(redacted, ", ")
}

// Names returns the unredacted field names.
func (e *MissingSecretsError) Names() []string {
	return append([]string(nil), e.names...)
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap injects explicit values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv stops Load from reading the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets marks config fields (e.g. "Mail.Password") that must resolve to a value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if value, ok := options.envMap["API_ENV_FILE"]; ok && value != "" {
		options.envFile = value
	} else if value := os.Getenv("API_ENV_FILE"); options.useSystemEnv && value != "" {
		options.envFile = value
	}
	return options
}

// EnvironmentValues returns the merged environment (dotenv < process env < explicit map)
// so callers can build dependencies such as the secret resolver before calling Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := newLoaderOptions(opts)
	lookup, err := newLookup(options)
	if err != nil {
		return nil, err
	}
	return lookup.all(), nil
}

type envLookup struct {
	layers []map[string]string
}

func newLookup(options loaderOptions) (envLookup, error) {
	dotEnv, err := loadDotEnv(options.envFile)
	if err != nil {
		return envLookup{}, err
	}
	layers := []map[string]string{options.envMap}
	if options.useSystemEnv {
		system := make(map[string]string)
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if ok && strings.TrimSpace(key) != "" {
				system[key] = value
			}
		}
		layers = append(layers, system)
	}
	layers = append(layers, dotEnv)
	return envLookup{layers: layers}, nil
}

func (l envLookup) get(key string) (string, bool) {
	for _, layer := range l.layers {
		if value, ok := layer[key]; ok {
			return value, true
		}
	}
	return "", false
}

func (l envLookup) all() map[string]string {
	out := make(map[string]string)
	for i := len(l.layers) - 1; i >= 0; i-- {
		for key, value := range l.layers[i] {
			out[key] = value
		}
	}
	return out
}

func (l envLookup) str(key, fallback string) string {
	if value, ok := l.get(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func (l envLookup) duration(key string, fallback time.Duration) time.Duration {
	if value, ok := l.get(key); ok && value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return fallback
}

func (l envLookup) integer(key string, fallback int) int {
	if value, ok := l.get(key); ok && value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func (l envLookup) boolean(key string, fallback bool) bool {
	if value, ok := l.get(key); ok {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func (l envLookup) csv(key string) []string {
	raw, _ := l.get(key)
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Load assembles the configuration from defaults, .env, the process environment and
// Secret Manager references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	env, err := newLookup(options)
	if err != nil {
		return Config{}, err
	}

	firestoreProject := env.str("API_FIRESTORE_PROJECT_ID", env.str("GOOGLE_CLOUD_PROJECT", ""))
	storeBackend := strings.ToLower(env.str("API_STORE", StoreBackendFirestore))
	loyaltySource := LoyaltySourceFirestore
	if storeBackend == StoreBackendMemory {
		loyaltySource = LoyaltySourceStatic
	}
	cfg := Config{
		Environment: env.str("API_ENVIRONMENT", "local"),
		Version:     env.str("API_VERSION", "dev"),
		CommitSHA:   env.str("API_COMMIT_SHA", env.str("K_REVISION", "")),
		Server: ServerConfig{
			Port:            env.str("API_SERVER_PORT", env.str("PORT", defaultPort)),
			BaseURL:         strings.TrimRight(env.str("API_SERVER_BASE_URL", ""), "/"),
			ReadTimeout:     env.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    env.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     env.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: env.duration("API_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       env.str("API_FIREBASE_PROJECT_ID", firestoreProject),
			CredentialsFile: env.str("API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    firestoreProject,
			EmulatorHost: env.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Store: StoreConfig{
			Backend:  storeBackend,
			SeedFile: env.str("API_STORE_SEED_FILE", ""),
		},
		Redis: RedisConfig{
			Addr:     env.str("API_REDIS_ADDR", ""),
			Password: env.str("API_REDIS_PASSWORD", ""),
			DB:       env.integer("API_REDIS_DB", 0),
			DedupTTL: env.duration("API_REDIS_DEDUP_TTL", defaultRedisDedupTTL),
		},
		PubSub: PubSubConfig{
			ProjectID:        env.str("API_PUBSUB_PROJECT_ID", firestoreProject),
			OrderEventsTopic: env.str("API_PUBSUB_ORDER_EVENTS_TOPIC", ""),
			EmulatorHost:     env.str("API_PUBSUB_EMULATOR_HOST", ""),
		},
		Mail: MailConfig{
			Enabled:   env.boolean("API_MAIL_ENABLED", false),
			Host:      env.str("API_MAIL_HOST", ""),
			Port:      env.integer("API_MAIL_PORT", defaultMailPort),
			Username:  env.str("API_MAIL_USERNAME", ""),
			Password:  env.str("API_MAIL_PASSWORD", ""),
			From:      env.str("API_MAIL_FROM", ""),
			FromName:  env.str("API_MAIL_FROM_NAME", "KeyMarket"),
			TLSPolicy: strings.ToLower(env.str("API_MAIL_TLS_POLICY", "mandatory")),
			Timeout:   env.duration("API_MAIL_TIMEOUT", defaultMailTimeout),
			Locale:    env.str("API_MAIL_LOCALE", "vi"),
		},
		Loyalty: LoyaltyConfig{
			Source:   strings.ToLower(env.str("API_LOYALTY_SOURCE", loyaltySource)),
			Bucket:   env.str("API_LOYALTY_BUCKET", ""),
			Object:   env.str("API_LOYALTY_OBJECT", "loyalty/config.json"),
			CacheTTL: env.duration("API_LOYALTY_CACHE_TTL", defaultLoyaltyCacheTTL),
			Dispatch: strings.ToLower(env.str("API_LOYALTY_DISPATCH", LoyaltyDispatchInline)),
		},
		Fulfillment: FulfillmentConfig{
			TxAttempts:            env.integer("API_FULFILLMENT_TX_ATTEMPTS", defaultTxAttempts),
			TxTimeout:             env.duration("API_FULFILLMENT_TX_TIMEOUT", defaultTxTimeout),
			StatusAttempts:        env.integer("API_FULFILLMENT_STATUS_ATTEMPTS", defaultStatusAttempts),
			BulkConcurrency:       env.integer("API_FULFILLMENT_BULK_CONCURRENCY", defaultBulkConcurrency),
			BulkMaxOrders:         env.integer("API_FULFILLMENT_BULK_MAX_ORDERS", defaultBulkMaxOrders),
			BulkRateLimit:         env.integer("API_FULFILLMENT_BULK_RATE_LIMIT", defaultBulkRateLimit),
			BulkRateWindow:        env.duration("API_FULFILLMENT_BULK_RATE_WINDOW", defaultBulkRateWindow),
			SideEffectTimeout:     env.duration("API_FULFILLMENT_SIDE_EFFECT_TIMEOUT", defaultSideEffectTimeout),
			SideEffectConcurrency: env.integer("API_FULFILLMENT_SIDE_EFFECT_CONCURRENCY", defaultSideEffectConcurrency),
		},
		Security: SecurityConfig{
			OIDC: OIDCConfig{
				JWKSURL:  env.str("API_OIDC_JWKS_URL", "https://www.googleapis.com/oauth2/v3/certs"),
				Audience: env.str("API_OIDC_AUDIENCE", ""),
				Issuers:  env.csv("API_OIDC_ISSUERS"),
			},
		},
		Idempotency: IdempotencyConfig{
			Header: env.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:    env.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			Store:  strings.ToLower(env.str("API_IDEMPOTENCY_STORE", IdempotencyStoreMemory)),
		},
		Health: HealthConfig{
			WatchProducts:     env.csv("API_HEALTH_WATCH_PRODUCTS"),
			LowStockThreshold: env.integer("API_HEALTH_LOW_STOCK_THRESHOLD", defaultLowStockThreshold),
		},
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{"https://accounts.google.com", "accounts.google.com"}
	}

	resolved := make(map[string]string)
	secretFields := map[string]*string{
		"Mail.Password":  &cfg.Mail.Password,
		"Redis.Password": &cfg.Redis.Password,
	}
	names := make([]string, 0, len(secretFields))
	for name := range secretFields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		target := secretFields[name]
		value, err := resolveSecret(ctx, *target, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target = value
		resolved[name] = value
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}
	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !isSecretReference(value) {
		return value, nil
	}
	ref := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var invalid []string
	if cfg.Server.Port == "" {
		invalid = append(invalid, "Server.Port")
	}
	if cfg.Firebase.ProjectID == "" {
		invalid = append(invalid, "Firebase.ProjectID")
	}
	switch cfg.Store.Backend {
	case StoreBackendFirestore:
		if cfg.Firestore.ProjectID == "" {
			invalid = append(invalid, "Firestore.ProjectID")
		}
	case StoreBackendMemory:
		if cfg.Loyalty.Source == LoyaltySourceFirestore {
			invalid = append(invalid, "Loyalty.Source")
		}
	default:
		invalid = append(invalid, "Store.Backend")
	}
	if cfg.Fulfillment.TxAttempts <= 0 {
		invalid = append(invalid, "Fulfillment.TxAttempts")
	}
	if cfg.Fulfillment.TxTimeout <= 0 {
		invalid = append(invalid, "Fulfillment.TxTimeout")
	}
	if cfg.Fulfillment.StatusAttempts <= 0 {
		invalid = append(invalid, "Fulfillment.StatusAttempts")
	}
	if cfg.Fulfillment.BulkConcurrency <= 0 {
		invalid = append(invalid, "Fulfillment.BulkConcurrency")
	}
	if cfg.Fulfillment.BulkMaxOrders <= 0 {
		invalid = append(invalid, "Fulfillment.BulkMaxOrders")
	}
	if cfg.Fulfillment.SideEffectConcurrency <= 0 {
		invalid = append(invalid, "Fulfillment.SideEffectConcurrency")
	}
	if cfg.Health.LowStockThreshold < 0 {
		invalid = append(invalid, "Health.LowStockThreshold")
	}
	switch cfg.Loyalty.Source {
	case LoyaltySourceFirestore, LoyaltySourceStatic:
	case LoyaltySourceGCS:
		if cfg.Loyalty.Bucket == "" {
			invalid = append(invalid, "Loyalty.Bucket")
		}
	default:
		invalid = append(invalid, "Loyalty.Source")
	}
	switch cfg.Loyalty.Dispatch {
	case LoyaltyDispatchInline:
	case LoyaltyDispatchQueue:
		if cfg.PubSub.OrderEventsTopic == "" {
			invalid = append(invalid, "PubSub.OrderEventsTopic")
		}
	default:
		invalid = append(invalid, "Loyalty.Dispatch")
	}
	if cfg.Mail.Enabled {
		if cfg.Mail.Host == "" {
			invalid = append(invalid, "Mail.Host")
		}
		if cfg.Mail.From == "" {
			invalid = append(invalid, "Mail.From")
		}
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		invalid = append(invalid, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		invalid = append(invalid, "Idempotency.TTL")
	}
	switch cfg.Idempotency.Store {
	case IdempotencyStoreMemory:
	case IdempotencyStoreRedis:
		if cfg.Redis.Addr == "" {
			invalid = append(invalid, "Redis.Addr")
		}
	default:
		invalid = append(invalid, "Idempotency.Store")
	}

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	var missing []string
	seen := make(map[string]struct{}, len(required))
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(resolved[name]) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{names: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + rest
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", path, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", path, err)
	}
	return values, nil
}
