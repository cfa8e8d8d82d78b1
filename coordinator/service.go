// Package coordinator also exposes the cache fabric as an Encore service:
// Get/Set/Invalidate/GetMetrics HTTP handlers over the Coordinator, plus
// cross-instance invalidation via encore.dev/pubsub.
//
// Grounded on the teacher's cache-manager/service.go (package-level
// wrapper functions delegating to a lazily-initialized global *Service,
// //encore:api annotations, request/response DTOs) and
// cache-manager/subscriptions.go (subscribing to invalidation.
// CacheInvalidateTopic to apply invalidations broadcast by peer
// instances).
package coordinator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	encorepubsub "encore.dev/pubsub"
	"github.com/google/uuid"

	"github.com/otero/cachefabric/invalidation"
	"github.com/otero/cachefabric/monitoring"
	"github.com/otero/cachefabric/pkg/cachekey"
	"github.com/otero/cachefabric/pkg/cachevalue"
	"github.com/otero/cachefabric/pkg/config"
	"github.com/otero/cachefabric/pkg/errs"
	"github.com/otero/cachefabric/pkg/observability"
)

// Service is the Encore-visible wrapper around a Coordinator.
//
//encore:service
type Service struct {
	co     *Coordinator
	logger *observability.Logger
	cfg    *config.Config
}

var (
	svc  *Service
	once sync.Once
)

const configPathEnv = "CACHEFABRIC_CONFIG"

// initService is invoked automatically by Encore at startup.
func initService() (*Service, error) {
	var err error
	once.Do(func() {
		svc, err = newServiceFromEnv()
	})
	return svc, err
}

func newServiceFromEnv() (*Service, error) {
	path := os.Getenv(configPathEnv)
	if path == "" {
		path = "./config.yaml"
	}
	logger, logErr := observability.New("development")
	if logErr != nil {
		return nil, logErr
	}

	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("coordinator: load config: %w", err)
	}

	tiers, err := BuildTiers(cfg.Tiers)
	if err != nil {
		return nil, fmt.Errorf("coordinator: build tiers: %w", err)
	}

	co := New(Config{
		ReadPolicy:             RoutingPolicy(cfg.Coordinator.ReadPolicy),
		WritePolicy:            RoutingPolicy(cfg.Coordinator.WritePolicy),
		PromotionThreshold:     cfg.Coordinator.PromotionThreshold,
		MaxConsecutiveFailures: cfg.Coordinator.MaxFailures,
		HealthCheckInterval:    cfg.Coordinator.HealthCheckInterval,
		SyncStrategy:           cfg.Coordinator.SyncStrategy,
		SyncInterval:           cfg.Coordinator.SyncInterval,
		HealthObserver:         monitoring.RecordTierHealth,
	}, tiers...)

	if err := co.Start(context.Background()); err != nil {
		return nil, fmt.Errorf("coordinator: start: %w", err)
	}

	return &Service{co: co, logger: logger, cfg: cfg}, nil
}

// GetRequest/GetResponse, SetRequest/SetResponse etc. mirror the
// teacher's JSON DTOs; Value is base64-encoded since Cache Value payloads
// are opaque bytes, not JSON-native values.

type GetResponse struct {
	Value     string     `json:"value"`
	Hit       bool       `json:"hit"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

//encore:api public method=GET path=/api/cache/:namespace/:name
func Get(ctx context.Context, namespace, name string) (*GetResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.Get(ctx, namespace, name)
}

func (s *Service) Get(ctx context.Context, namespace, name string) (*GetResponse, error) {
	key, err := cachekey.New(namespace, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}

	start := time.Now()
	v, ok, err := s.co.Get(ctx, key)
	s.logger.LogTierOp(ctx, "coordinator.Get", "coordinator", start, err)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrTierUnavailable, err)
	}
	if !ok {
		return &GetResponse{Hit: false}, nil
	}

	return &GetResponse{
		Value:     base64.StdEncoding.EncodeToString(v.Payload),
		Hit:       true,
		CreatedAt: &v.CreatedAt,
		ExpiresAt: v.ExpiresAt,
	}, nil
}

type SetRequest struct {
	Value string `json:"value"` // base64-encoded payload
	TTL   int    `json:"ttl"`   // seconds, 0 means the coordinator's default
}

type SetResponse struct {
	Success   bool       `json:"success"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

//encore:api public method=PUT path=/api/cache/:namespace/:name
func Set(ctx context.Context, namespace, name string, req *SetRequest) (*SetResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.Set(ctx, namespace, name, req)
}

func (s *Service) Set(ctx context.Context, namespace, name string, req *SetRequest) (*SetResponse, error) {
	key, err := cachekey.New(namespace, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	payload, err := base64.StdEncoding.DecodeString(req.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: value must be base64-encoded", errs.ErrValidation)
	}

	ttl := time.Duration(req.TTL) * time.Second
	value := cachevalue.New(payload).WithTTL(ttl)

	start := time.Now()
	err = s.co.Set(ctx, key, value, ttl)
	s.logger.LogTierOp(ctx, "coordinator.Set", "coordinator", start, err)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrTierUnavailable, err)
	}

	return &SetResponse{Success: true, ExpiresAt: value.ExpiresAt}, nil
}

type InvalidateRequest struct {
	Keys      []string `json:"keys,omitempty"`      // "<namespace>:<name>" pairs
	RequestID string   `json:"request_id,omitempty"`
}

type InvalidateResponse struct {
	Invalidated int  `json:"invalidated"`
	Success     bool `json:"success"`
}

//encore:api public method=POST path=/api/cache/invalidate
func Invalidate(ctx context.Context, req *InvalidateRequest) (*InvalidateResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.Invalidate(ctx, req)
}

func (s *Service) Invalidate(ctx context.Context, req *InvalidateRequest) (*InvalidateResponse, error) {
	count := 0
	for _, raw := range req.Keys {
		key, err := cachekey.ParseFullKey(raw)
		if err != nil {
			continue
		}
		removed, err := s.co.Delete(ctx, key)
		if err == nil && removed {
			count++
		}
	}

	if count > 0 {
		requestID := req.RequestID
		if requestID == "" {
			requestID = uuid.NewString()
		}
		event := &invalidation.InvalidationEvent{
			Pattern:     "",
			MatchedKeys: req.Keys,
			TriggeredBy: "coordinator",
			Timestamp:   time.Now(),
			RequestID:   requestID,
		}
		if _, err := invalidation.CacheInvalidateTopic.Publish(ctx, event); err != nil {
			s.logger.Warn("failed to publish invalidation event")
		}
	}

	return &InvalidateResponse{Invalidated: count, Success: true}, nil
}

type MetricsResponse struct {
	Promotions       uint64 `json:"promotions"`
	Failovers        uint64 `json:"failovers"`
	PendingWriteBack int    `json:"pending_write_back"`
}

//encore:api public method=GET path=/api/cache/metrics
func GetMetrics(ctx context.Context) (*MetricsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetMetrics(ctx)
}

func (s *Service) GetMetrics(ctx context.Context) (*MetricsResponse, error) {
	m := s.co.Metrics()
	return &MetricsResponse{
		Promotions:       m.Promotions,
		Failovers:        m.Failovers,
		PendingWriteBack: m.PendingWriteBack,
	}, nil
}

type FlushWriteBackRequest struct {
	Max int `json:"max"`
}

type FlushWriteBackResponse struct {
	Flushed int `json:"flushed"`
}

// FlushWriteBack drains up to req.Max queued write-back jobs, propagating
// WriteBack writes that only landed on the fastest tier out to the rest
// of the tier chain. Called periodically by warming's write-back-flush
// cron job.
//
//encore:api private method=POST path=/api/cache/internal/flush-write-back
func FlushWriteBack(ctx context.Context, req *FlushWriteBackRequest) (*FlushWriteBackResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	max := req.Max
	if max <= 0 {
		max = 50
	}
	return &FlushWriteBackResponse{Flushed: svc.co.DrainWriteBack(ctx, max)}, nil
}

// cacheManagerInvalidateSubscription mirrors the teacher's subscription
// in cache-manager/subscriptions.go: apply invalidations broadcast by any
// instance, including this one's own publishes (idempotent deletes).
var _ = encorepubsub.NewSubscription(
	invalidation.CacheInvalidateTopic,
	"coordinator-invalidate",
	encorepubsub.SubscriptionConfig[*invalidation.InvalidationEvent]{
		Handler: handleInvalidateEvent,
	},
)

func handleInvalidateEvent(ctx context.Context, event *invalidation.InvalidationEvent) error {
	if svc == nil {
		return nil
	}
	keys := event.MatchedKeys
	if len(keys) == 0 && event.Pattern != "" {
		matched, err := svc.co.Keys(ctx, event.Pattern)
		if err != nil {
			return nil
		}
		keys = matched
	}
	for _, raw := range keys {
		key, err := cachekey.ParseFullKey(raw)
		if err != nil {
			continue
		}
		_, _ = svc.co.Delete(ctx, key)
	}
	return nil
}

// Shutdown gracefully stops the coordinator's tiers.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.co.Stop(ctx)
}
