// Package healthcheck probes registered upstream MCPs from a background
// worker pool on a jittered schedule, records discovered capabilities, and drives
// the per-descriptor health state machine. It runs in the worker process,
// separate from the request path; the proxy engine reaches it only through
// PublishReprobe, which carries urgent re-probe requests after protocol
// errors over Redis to the worker.
package healthcheck

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/plexmcp/plexmcp/internal/domain"
	"github.com/plexmcp/plexmcp/internal/mcpregistry"
	"github.com/plexmcp/plexmcp/internal/telemetry"
	"github.com/plexmcp/plexmcp/internal/upstream"
)

// EventChannel is the Redis pub/sub channel health state changes are
// published on, consumed by the admin surface and external notifiers.
const EventChannel = "plexmcp:health:events"

// ReprobeChannel carries urgent re-probe requests from the API process to
// the worker running the checker.
const ReprobeChannel = "plexmcp:health:reprobe"

// probeTimeout bounds one full probe (connect + handshake + capability
// listing). Independent of the proxy's request timeout.
const probeTimeout = 15 * time.Second

// maxBackoff caps the exponential retry backoff for failing descriptors.
const maxBackoff = 10 * time.Minute

// StateChange is the event payload published on EventChannel.
type StateChange struct {
	DescriptorID uuid.UUID `json:"descriptor_id"`
	OrgID        uuid.UUID `json:"org_id"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	LatencyMS    int64     `json:"latency_ms"`
	At           time.Time `json:"at"`
}

// Checker probes upstream MCPs and maintains their health state.
type Checker struct {
	registry         *mcpregistry.Store
	rdb              *redis.Client
	logger           *slog.Logger
	interval         time.Duration
	failureThreshold int
	workers          int

	urgent chan uuid.UUID

	mu      sync.Mutex
	nextDue map[uuid.UUID]time.Time
}

// New builds a Checker. interval is the base probe period (jittered ±10%);
// failureThreshold is the consecutive-failure count that flips a healthy
// descriptor to unhealthy.
func New(registry *mcpregistry.Store, rdb *redis.Client, logger *slog.Logger, interval time.Duration, failureThreshold int) *Checker {
	return &Checker{
		registry:         registry,
		rdb:              rdb,
		logger:           logger,
		interval:         interval,
		failureThreshold: failureThreshold,
		workers:          8,
		urgent:           make(chan uuid.UUID, 64),
		nextDue:          make(map[uuid.UUID]time.Time),
	}
}

// RequestReprobe schedules an out-of-band probe of one descriptor from
// within the process running the checker. It
// never blocks the request path; if the queue is full the next scheduled
// probe covers it.
func (c *Checker) RequestReprobe(id uuid.UUID) {
	select {
	case c.urgent <- id:
	default:
	}
}

// Run blocks until ctx is cancelled, dispatching due probes to a bounded
// worker pool. In-flight probes are cancelled at their next suspension
// point on shutdown; Run waits for them up to a bounded grace period.
func (c *Checker) Run(ctx context.Context) error {
	c.logger.Info("health checker started",
		"interval", c.interval,
		"failure_threshold", c.failureThreshold,
		"workers", c.workers,
	)

	sem := make(chan struct{}, c.workers)
	var wg sync.WaitGroup

	// Re-probe requests published by the API process.
	var reprobeCh <-chan *redis.Message
	if c.rdb != nil {
		pubsub := c.rdb.Subscribe(ctx, ReprobeChannel)
		defer pubsub.Close()
		reprobeCh = pubsub.Channel()
	}

	ticker := time.NewTicker(c.interval / 6)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(probeTimeout):
				c.logger.Warn("health checker shutdown grace period elapsed with probes in flight")
			}
			c.logger.Info("health checker stopped")
			return nil

		case id := <-c.urgent:
			c.dispatch(ctx, id, sem, &wg)

		case msg := <-reprobeCh:
			id, err := uuid.Parse(msg.Payload)
			if err != nil {
				c.logger.Warn("ignoring malformed reprobe request", "payload", msg.Payload)
				continue
			}
			c.dispatch(ctx, id, sem, &wg)

		case <-ticker.C:
			descriptors, err := c.registry.ListActive(ctx)
			if err != nil {
				c.logger.Error("listing descriptors for probe schedule", "error", err)
				continue
			}
			now := time.Now()
			for _, d := range descriptors {
				if c.due(d.ID, now) {
					c.dispatch(ctx, d.ID, sem, &wg)
				}
			}
		}
	}
}

// due reports whether a descriptor's next probe time has arrived, and if
// so, provisionally pushes it forward so concurrent ticks don't double-
// dispatch. The real next-due time is set from the probe outcome.
func (c *Checker) due(id uuid.UUID, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, ok := c.nextDue[id]
	if ok && now.Before(next) {
		return false
	}
	c.nextDue[id] = now.Add(c.interval)
	return true
}

func (c *Checker) dispatch(ctx context.Context, id uuid.UUID, sem chan struct{}, wg *sync.WaitGroup) {
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() { <-sem }()
		c.probeOne(ctx, id)
	}()
}

// probeOne runs a single probe workflow against one descriptor and applies
// its outcome.
func (c *Checker) probeOne(ctx context.Context, id uuid.UUID) {
	d, err := c.registry.GetForProbe(ctx, id)
	if err != nil {
		c.logger.Warn("loading descriptor for probe", "error", err, "descriptor_id", id)
		return
	}
	if !d.IsActive {
		return
	}

	result, consecutive := c.probe(ctx, d)

	from, to, err := c.registry.ApplyProbe(ctx, d.ID, result, c.failureThreshold)
	if err != nil {
		c.logger.Error("applying probe result", "error", err, "descriptor_id", d.ID)
		return
	}

	c.schedule(d.ID, result.Healthy, consecutive)

	if from != to {
		telemetry.HealthStateTransitionsTotal.WithLabelValues(from, to).Inc()
		c.publish(ctx, StateChange{
			DescriptorID: d.ID,
			OrgID:        d.OrgID,
			From:         from,
			To:           to,
			LatencyMS:    result.LatencyMS,
			At:           time.Now().UTC(),
		})
		c.logger.Info("mcp health state changed",
			"descriptor_id", d.ID,
			"from", from,
			"to", to,
			"latency_ms", result.LatencyMS,
		)
	}
}

// probe executes the handshake-and-discover workflow against one
// descriptor. It returns the result plus the descriptor's new
// consecutive failure count for backoff scheduling.
func (c *Checker) probe(ctx context.Context, d domain.McpDescriptor) (mcpregistry.ProbeResult, int) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	outcome := "ok"
	start := time.Now()

	result, err := c.runHandshake(probeCtx, d)
	latency := time.Since(start)

	if err != nil {
		outcome = "error"
		c.logger.Debug("probe failed", "descriptor_id", d.ID, "error", err)
		telemetry.HealthProbeDuration.WithLabelValues(outcome).Observe(latency.Seconds())
		return mcpregistry.ProbeResult{Healthy: false}, d.ConsecutiveFails + 1
	}

	result.Healthy = true
	result.LatencyMS = latency.Milliseconds()
	telemetry.HealthProbeDuration.WithLabelValues(outcome).Observe(latency.Seconds())
	return result, 0
}

func (c *Checker) runHandshake(ctx context.Context, d domain.McpDescriptor) (mcpregistry.ProbeResult, error) {
	secret, err := c.registry.DecryptSecret(ctx, d)
	if err != nil {
		return mcpregistry.ProbeResult{}, err
	}

	session, err := upstream.Connect(ctx, d, secret, probeTimeout, 0)
	if err != nil {
		return mcpregistry.ProbeResult{}, err
	}
	defer session.Close()

	var result mcpregistry.ProbeResult
	if init := session.InitializeResult(); init != nil {
		result.ProtocolVersion = init.ProtocolVersion
		if init.ServerInfo != nil {
			result.ServerName = init.ServerInfo.Name
			result.ServerVersion = init.ServerInfo.Version
		}
	}

	tools, err := session.ListTools(ctx, nil)
	if err != nil {
		return mcpregistry.ProbeResult{}, err
	}
	for _, tool := range tools.Tools {
		result.DiscoveredTools = append(result.DiscoveredTools, tool.Name)
	}

	resources, err := session.ListResources(ctx, nil)
	if err == nil {
		for _, res := range resources.Resources {
			result.DiscoveredResources = append(result.DiscoveredResources, res.URI)
		}
	}
	// Servers without the resources capability fail resources/list; that is
	// not a health failure.

	return result, nil
}

// schedule sets the descriptor's next probe time: the jittered base
// interval after a success, exponential backoff (capped) after failures.
func (c *Checker) schedule(id uuid.UUID, healthy bool, consecutiveFails int) {
	var wait time.Duration
	if healthy {
		wait = jitter(c.interval)
	} else {
		wait = backoff(c.interval, consecutiveFails)
	}

	c.mu.Lock()
	c.nextDue[id] = time.Now().Add(wait)
	c.mu.Unlock()
}

// jitter spreads probes ±10% around the base interval so a fleet of
// descriptors registered together doesn't thunder.
func jitter(base time.Duration) time.Duration {
	spread := 0.9 + 0.2*rand.Float64()
	return time.Duration(float64(base) * spread)
}

// backoff returns the wait before the next retry after n consecutive
// failures: base/4 doubling per failure, capped.
func backoff(base time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	wait := base / 4
	for i := 1; i < n; i++ {
		wait *= 2
		if wait >= maxBackoff {
			return maxBackoff
		}
	}
	if wait > maxBackoff {
		wait = maxBackoff
	}
	return wait
}

// PublishReprobe asks the worker's checker to probe one descriptor now.
// Called from the API process; a nil client makes it a no-op.
func PublishReprobe(ctx context.Context, rdb *redis.Client, id uuid.UUID) {
	if rdb == nil {
		return
	}
	_ = rdb.Publish(ctx, ReprobeChannel, id.String()).Err()
}

func (c *Checker) publish(ctx context.Context, event StateChange) {
	if c.rdb == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		c.logger.Error("marshaling health event", "error", err)
		return
	}
	if err := c.rdb.Publish(ctx, EventChannel, payload).Err(); err != nil {
		c.logger.Warn("publishing health event", "error", err)
	}
}
