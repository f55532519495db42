package secrets

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultFallbackPath = ".secrets.local"
	defaultCacheTTL     = 10 * time.Minute
	meterName           = "github.com/keymarket/api/internal/platform/secrets"
)

// ErrSecretNotFound is returned when neither Secret Manager nor the fallback file has the secret.
var ErrSecretNotFound = errors.New("secrets: secret not found")

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret:// references against Secret Manager, caching values and
// falling back to a local KEY=value file when the remote is unavailable.
type Fetcher struct {
	client       secretManagerClient
	ownsClient   bool
	projectID    string
	fallbackPath string
	ttl          time.Duration
	logger       *zap.Logger
	now          func() time.Time

	mu    sync.Mutex
	cache map[string]cachedSecret

	fallbackOnce sync.Once
	fallback     map[string]string

	lookups metric.Int64Counter
}

type cachedSecret struct {
	value     string
	fetchedAt time.Time
}

type fetcherConfig struct {
	client       secretManagerClient
	clientOpts   []option.ClientOption
	projectID    string
	fallbackPath string
	ttl          time.Duration
	logger       *zap.Logger
	meter        metric.Meter
	now          func() time.Time
}

// Option customises a Fetcher.
type Option func(*fetcherConfig)

// WithProject sets the project used for short references such as secret://smtp-password.
func WithProject(projectID string) Option {
	return func(cfg *fetcherConfig) { cfg.projectID = strings.TrimSpace(projectID) }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) { cfg.logger = logger }
}

// WithFallbackFile overrides the local fallback file; an empty path disables it.
func WithFallbackFile(path string) Option {
	return func(cfg *fetcherConfig) { cfg.fallbackPath = strings.TrimSpace(path) }
}

// WithCacheTTL overrides how long resolved values are reused.
func WithCacheTTL(ttl time.Duration) Option {
	return func(cfg *fetcherConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// WithClientOptions forwards options to the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) { cfg.clientOpts = append(cfg.clientOpts, opts...) }
}

// WithMeter injects the meter used for lookup counters.
func WithMeter(meter metric.Meter) Option {
	return func(cfg *fetcherConfig) { cfg.meter = meter }
}

func withClient(client secretManagerClient) Option {
	return func(cfg *fetcherConfig) { cfg.client = client }
}

func withClock(now func() time.Time) Option {
	return func(cfg *fetcherConfig) { cfg.now = now }
}

// NewFetcher builds a Fetcher. A client construction failure leaves the fetcher in
// fallback-only mode instead of failing startup.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{
		fallbackPath: defaultFallbackPath,
		ttl:          defaultCacheTTL,
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.meter == nil {
		cfg.meter = otel.Meter(meterName)
	}

	lookups, err := cfg.meter.Int64Counter("secrets.lookups",
		metric.WithDescription("Secret resolutions by source"))
	if err != nil {
		return nil, fmt.Errorf("secrets: create counter: %w", err)
	}

	f := &Fetcher{
		client:       cfg.client,
		projectID:    cfg.projectID,
		fallbackPath: cfg.fallbackPath,
		ttl:          cfg.ttl,
		logger:       cfg.logger,
		now:          cfg.now,
		cache:        make(map[string]cachedSecret),
		lookups:      lookups,
	}
	if f.client == nil {
		client, err := secretmanager.NewClient(ctx, cfg.clientOpts...)
		if err != nil {
			cfg.logger.Warn("secrets: secret manager unavailable, using fallback file only", zap.Error(err))
		} else {
			f.client = client
			f.ownsClient = true
		}
	}
	return f, nil
}

// Close releases the client when the fetcher created it.
func (f *Fetcher) Close() error {
	if f == nil || !f.ownsClient || f.client == nil {
		return nil
	}
	return f.client.Close()
}

// ResolveSecret implements config.SecretResolver.
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f.Resolve(ctx, ref)
}

// Resolve returns the value behind ref, accepting secret://name, secret://name#version
// and secret://projects/p/secrets/name/versions/v.
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	resource, name, err := f.resourceName(ref)
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	entry, ok := f.cache[resource]
	f.mu.Unlock()
	if ok && f.now().Sub(entry.fetchedAt) < f.ttl {
		f.count(ctx, "cache")
		return entry.value, nil
	}

	value, remoteErr := f.fetchRemote(ctx, resource)
	if remoteErr == nil {
		f.store(resource, value)
		f.count(ctx, "secret_manager")
		return value, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}

	if value, ok := f.lookupFallback(name); ok {
		f.logger.Debug("secrets: served from fallback file", zap.String("secret", name), zap.Error(remoteErr))
		f.store(resource, value)
		f.count(ctx, "fallback")
		return value, nil
	}
	return "", fmt.Errorf("%w: %s: %v", ErrSecretNotFound, name, remoteErr)
}

// Available reports whether Secret Manager can be reached; used by readiness probes.
func (f *Fetcher) Available(context.Context) error {
	if f == nil || f.client == nil {
		return errors.New("secrets: secret manager client not initialised")
	}
	return nil
}

func (f *Fetcher) fetchRemote(ctx context.Context, resource string) (string, error) {
	if f.client == nil {
		return "", errors.New("secrets: secret manager client not initialised")
	}
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, resource)
		}
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("secrets: empty payload for %s", resource)
	}
	return string(resp.GetPayload().GetData()), nil
}

func (f *Fetcher) store(resource, value string) {
	f.mu.Lock()
	f.cache[resource] = cachedSecret{value: value, fetchedAt: f.now()}
	f.mu.Unlock()
}

func (f *Fetcher) count(ctx context.Context, source string) {
	f.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

func (f *Fetcher) resourceName(ref string) (resource string, name string, err error) {
	trimmed := strings.TrimSpace(ref)
	rest, ok := strings.CutPrefix(trimmed, "secret://")
	if !ok {
		rest, ok = strings.CutPrefix(trimmed, "sm://")
	}
	if !ok || rest == "" {
		return "", "", fmt.Errorf("secrets: invalid reference %q", ref)
	}

	if strings.HasPrefix(rest, "projects/") {
		parts := strings.Split(rest, "/")
		if len(parts) == 4 && parts[2] == "secrets" {
			return rest + "/versions/latest", parts[3], nil
		}
		if len(parts) == 6 && parts[2] == "secrets" && parts[4] == "versions" {
			return rest, parts[3], nil
		}
		return "", "", fmt.Errorf("secrets: invalid resource reference %q", ref)
	}

	name, version, _ := strings.Cut(rest, "#")
	if version == "" {
		version = "latest"
	}
	if f.projectID == "" {
		return "", "", fmt.Errorf("secrets: project required to resolve %q", ref)
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", f.projectID, name, version), name, nil
}

func (f *Fetcher) lookupFallback(name string) (string, bool) {
	f.fallbackOnce.Do(func() {
		f.fallback = map[string]string{}
		if f.fallbackPath == "" {
			return
		}
		file, err := os.Open(f.fallbackPath)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				f.logger.Warn("secrets: open fallback file", zap.String("path", f.fallbackPath), zap.Error(err))
			}
			return
		}
		defer file.Close()

		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			key, value, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			f.fallback[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(value), `"'`)
		}
		if err := scanner.Err(); err != nil {
			f.logger.Warn("secrets: read fallback file", zap.String("path", f.fallbackPath), zap.Error(err))
		}
	})
	value, ok := f.fallback[name]
	return value, ok
}
