// Package mode decides per request whether records are anchored on the
// ledger ("live") or kept in the local store ("demo").
package mode

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/rapidverify/backend/internal/records"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultHealthTTL    = 15 * time.Second
	defaultProbeTimeout = 2 * time.Second
	healthCacheKey      = "ledger_health"
)

// HealthProber is the liveness probe of a ledger backend.
type HealthProber interface {
	HealthCheck(ctx context.Context) bool
}

// Config wires the controller. A nil Prober means no ledger is configured.
type Config struct {
	Prober       HealthProber
	Network      string
	HealthTTL    time.Duration
	ProbeTimeout time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Decision is the backend chosen for one operation.
type Decision struct {
	Mode    records.Mode
	Reason  records.DemoReason
	Network string
}

// Live reports whether the decision targets the ledger.
func (d Decision) Live() bool {
	return d.Mode == records.ModeLive
}

// Status describes the controller state for operators and the UI.
type Status struct {
	Configured bool
	Reachable  bool
	Mode       records.Mode
	Network    string
	CheckedAt  time.Time
}

type healthResult struct {
	reachable bool
	checkedAt time.Time
}

// Controller evaluates ledger health lazily, caching probe results for a short TTL.
type Controller struct {
	prober       HealthProber
	network      string
	probeTimeout time.Duration
	clock        func() time.Time
	cache        *gocache.Cache
	probes       singleflight.Group
	logger       *zap.Logger
}

// NewController builds a Controller.
func NewController(cfg Config) *Controller {
	ttl := cfg.HealthTTL
	if ttl <= 0 {
		ttl = defaultHealthTTL
	}
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		prober:       cfg.Prober,
		network:      cfg.Network,
		probeTimeout: probeTimeout,
		clock:        clock,
		cache:        gocache.New(ttl, 2*ttl),
		logger:       logger,
	}
}

// Configured reports whether a ledger backend exists at all.
func (c *Controller) Configured() bool {
	return c.prober != nil
}

// Decide picks the backend for the current operation.
func (c *Controller) Decide(ctx context.Context) Decision {
	if !c.Configured() {
		return Decision{Mode: records.ModeDemo, Reason: records.DemoReasonLedgerUnconfigured, Network: records.LocalNetwork}
	}
	if !c.health(ctx).reachable {
		return Decision{Mode: records.ModeDemo, Reason: records.DemoReasonLedgerUnreachable, Network: records.LocalNetwork}
	}
	return Decision{Mode: records.ModeLive, Network: c.network}
}

// ReportFailure drops the cached health result so the next operation probes
// again. Failures never pin the controller to demo mode.
func (c *Controller) ReportFailure() {
	c.cache.Delete(healthCacheKey)
}

// Status returns the current, possibly cached, controller state.
func (c *Controller) Status(ctx context.Context) Status {
	if !c.Configured() {
		return Status{Mode: records.ModeDemo, Network: records.LocalNetwork}
	}
	result := c.health(ctx)
	status := Status{
		Configured: true,
		Reachable:  result.reachable,
		Mode:       records.ModeDemo,
		Network:    c.network,
		CheckedAt:  result.checkedAt,
	}
	if result.reachable {
		status.Mode = records.ModeLive
	}
	return status
}

func (c *Controller) health(ctx context.Context) healthResult {
	if cached, found := c.cache.Get(healthCacheKey); found {
		return cached.(healthResult)
	}
	value, _, _ := c.probes.Do(healthCacheKey, func() (any, error) {
		if cached, found := c.cache.Get(healthCacheKey); found {
			return cached, nil
		}
		probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.probeTimeout)
		defer cancel()
		result := healthResult{reachable: c.prober.HealthCheck(probeCtx), checkedAt: c.clock().UTC()}
		c.cache.SetDefault(healthCacheKey, result)
		if !result.reachable {
			c.logger.Warn("ledger unreachable, serving in demo mode", zap.String("network", c.network))
		}
		return result, nil
	})
	return value.(healthResult)
}
