// Package lifecycle owns the pool of live sandboxes: provisioning,
// one-sandbox-per-session ownership, TTL-based idle reclamation, health
// probing, and crash recovery.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coveworks/cove/internal/common/config"
	apperrors "github.com/coveworks/cove/internal/common/errors"
	"github.com/coveworks/cove/internal/common/logger"
	"github.com/coveworks/cove/internal/events"
	"github.com/coveworks/cove/internal/events/bus"
	"github.com/coveworks/cove/internal/sandbox/docker"
	"github.com/coveworks/cove/internal/store"
	v1 "github.com/coveworks/cove/pkg/api/v1"
)

// ContainerRuntime is the subset of the Docker driver the controller needs.
type ContainerRuntime interface {
	EnsureNetwork(ctx context.Context, name string) (string, error)
	CreateContainer(ctx context.Context, cfg docker.ContainerConfig) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
	ContainerAddress(ctx context.Context, containerID, network string) (string, error)
	GetContainerInfo(ctx context.Context, containerID string) (*docker.ContainerInfo, error)
	ListContainers(ctx context.Context, labels map[string]string) ([]docker.ContainerInfo, error)
}

// APIClient is the slice of the sandbox-internal API the controller probes.
type APIClient interface {
	Health(ctx context.Context) error
}

// APIClientFactory builds an API client for a sandbox address. Injected so
// tests can stand in for the sandbox-internal API.
type APIClientFactory func(address string) APIClient

// StreamPublisher publishes events into a session's ordered stream.
type StreamPublisher interface {
	Publish(sessionID string, kind v1.EventKind, payload interface{})
}

// Sandbox is one managed isolated execution environment.
type Sandbox struct {
	ID          string
	ContainerID string
	Address     string
	Status      v1.SandboxStatus
	SessionID   string
	Deadline    time.Time
	CreatedAt   time.Time
	API         APIClient

	// mu serializes lifecycle operations on this sandbox (checkout,
	// release, reap). Never held across container-runtime I/O.
	mu sync.Mutex
}

// Snapshot returns the wire representation of the sandbox.
func (s *Sandbox) Snapshot() *v1.Sandbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &v1.Sandbox{
		ID:          s.ID,
		ContainerID: s.ContainerID,
		Address:     s.Address,
		Status:      s.Status,
		SessionID:   s.SessionID,
		Deadline:    s.Deadline,
		CreatedAt:   s.CreatedAt,
	}
}

// LostHandler is invoked when a health probe fails against a live sandbox so
// the gateway can fail the in-flight invocation with SandboxLost.
type LostHandler func(sandboxID, sessionID string)

// Controller owns the sandbox pool. All pool mutation goes through it, under
// a per-sandbox exclusivity rule; the registry lock only guards map access.
type Controller struct {
	runtime    ContainerRuntime
	apiFactory APIClientFactory
	eventBus   bus.EventBus
	recorder   store.Recorder
	stream     StreamPublisher
	logger     *logger.Logger
	cfg        config.SandboxConfig

	sandboxes map[string]*Sandbox // by sandbox ID
	bySession map[string]string   // sessionID -> sandboxID
	mu        sync.RWMutex

	retry  *destroyQueue
	onLost LostHandler

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewController creates a new lifecycle controller.
func NewController(
	runtime ContainerRuntime,
	apiFactory APIClientFactory,
	eventBus bus.EventBus,
	recorder store.Recorder,
	stream StreamPublisher,
	cfg config.SandboxConfig,
	log *logger.Logger,
) *Controller {
	return &Controller{
		runtime:    runtime,
		apiFactory: apiFactory,
		eventBus:   eventBus,
		recorder:   recorder,
		stream:     stream,
		logger:     log.WithFields(zap.String("component", "sandbox-lifecycle")),
		cfg:        cfg,
		sandboxes:  make(map[string]*Sandbox),
		bySession:  make(map[string]string),
		retry:      newDestroyQueue(),
		stopCh:     make(chan struct{}),
	}
}

// SetLostHandler registers the callback fired when a live sandbox fails its
// health probe. Must be called before Start.
func (c *Controller) SetLostHandler(h LostHandler) {
	c.onLost = h
}

// Start reconciles leftover containers and launches the reap and
// health-probe loops.
func (c *Controller) Start(ctx context.Context) error {
	if _, err := c.runtime.EnsureNetwork(ctx, c.cfg.Network); err != nil {
		return fmt.Errorf("failed to ensure sandbox network: %w", err)
	}
	c.reconcileOrphans(ctx)

	c.wg.Add(2)
	go c.reapLoop(ctx)
	go c.probeLoop(ctx)

	c.logger.Info("lifecycle controller started",
		zap.String("network", c.cfg.Network),
		zap.Duration("ttl", c.cfg.TTLDuration()))
	return nil
}

// Stop stops the background loops.
func (c *Controller) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// reconcileOrphans removes managed containers left behind by a previous run.
// The registry is empty at startup, so anything carrying the managed label is
// unowned; removal failures go to the retry queue like any other destruction.
func (c *Controller) reconcileOrphans(ctx context.Context) {
	orphans, err := c.runtime.ListContainers(ctx, map[string]string{"cove.managed": "true"})
	if err != nil {
		c.logger.Error("failed to list leftover sandbox containers", zap.Error(err))
		return
	}

	for _, orphan := range orphans {
		c.logger.Info("removing orphaned sandbox container",
			zap.String("container_id", orphan.ID),
			zap.String("name", orphan.Name),
			zap.String("state", orphan.State))
		if err := c.runtime.RemoveContainer(ctx, orphan.ID, true); err != nil {
			c.retry.Add(orphan.ID, orphan.ID)
		}
	}
}

// Acquire returns the session's live sandbox, or provisions a new one if the
// session owns none. Idempotent per session.
func (c *Controller) Acquire(ctx context.Context, sessionID string) (*Sandbox, error) {
	// Fast path: session already owns a live sandbox.
	c.mu.RLock()
	if id, ok := c.bySession[sessionID]; ok {
		sb := c.sandboxes[id]
		c.mu.RUnlock()
		if sb != nil && c.reclaim(sb) {
			return sb, nil
		}
	} else {
		c.mu.RUnlock()
	}

	if c.cfg.MaxLive > 0 && c.liveCount() >= c.cfg.MaxLive {
		return nil, apperrors.SandboxProvisionFailed(sessionID,
			fmt.Errorf("sandbox pool limit of %d reached", c.cfg.MaxLive))
	}

	return c.provision(ctx, sessionID)
}

// reclaim takes an idle or expiring sandbox back into service for its owning
// session. Returns false if the sandbox is no longer usable.
func (c *Controller) reclaim(sb *Sandbox) bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	switch sb.Status {
	case v1.SandboxStatusReady, v1.SandboxStatusBusy:
		return true
	case v1.SandboxStatusIdle, v1.SandboxStatusExpiring:
		sb.Status = v1.SandboxStatusReady
		sb.Deadline = time.Now().Add(c.cfg.TTLDuration())
		return true
	}
	return false
}

// provision creates a fresh sandbox: container on the private network, then
// health polling with bounded attempts.
func (c *Controller) provision(ctx context.Context, sessionID string) (*Sandbox, error) {
	sandboxID := uuid.New().String()

	c.logger.Info("provisioning sandbox",
		zap.String("sandbox_id", sandboxID),
		zap.String("session_id", sessionID))

	sb := &Sandbox{
		ID:        sandboxID,
		Status:    v1.SandboxStatusProvisioning,
		SessionID: sessionID,
		CreatedAt: time.Now(),
	}

	c.mu.Lock()
	c.sandboxes[sandboxID] = sb
	c.bySession[sessionID] = sandboxID
	c.mu.Unlock()

	c.publishStatus(sb, "provisioning")

	containerCfg := docker.ContainerConfig{
		Name:     fmt.Sprintf("cove-sandbox-%s", sandboxID[:8]),
		Image:    c.cfg.Image,
		Network:  c.cfg.Network,
		Memory:   c.cfg.MemoryMB * 1024 * 1024,
		CPUQuota: int64(c.cfg.CPUCores * 100000),
		Env: []string{
			fmt.Sprintf("COVE_SANDBOX_ID=%s", sandboxID),
			fmt.Sprintf("COVE_SESSION_ID=%s", sessionID),
		},
		Labels: map[string]string{
			"cove.managed":    "true",
			"cove.sandbox_id": sandboxID,
			"cove.session_id": sessionID,
		},
	}

	containerID, err := c.runtime.CreateContainer(ctx, containerCfg)
	if err != nil {
		c.abandonProvision(sb, "")
		return nil, apperrors.SandboxProvisionFailed(sessionID, err)
	}
	sb.ContainerID = containerID

	if err := c.runtime.StartContainer(ctx, containerID); err != nil {
		c.abandonProvision(sb, containerID)
		return nil, apperrors.SandboxProvisionFailed(sessionID, err)
	}

	address, err := c.runtime.ContainerAddress(ctx, containerID, c.cfg.Network)
	if err != nil {
		c.abandonProvision(sb, containerID)
		return nil, apperrors.SandboxProvisionFailed(sessionID, err)
	}
	sb.Address = address
	sb.API = c.apiFactory(address)

	if err := c.awaitHealthy(ctx, sb); err != nil {
		c.abandonProvision(sb, containerID)
		return nil, apperrors.SandboxProvisionFailed(sessionID, err)
	}

	sb.mu.Lock()
	sb.Status = v1.SandboxStatusReady
	sb.Deadline = time.Now().Add(c.cfg.TTLDuration())
	sb.mu.Unlock()

	c.publishStatus(sb, "provisioned")
	c.publishBus(events.SandboxProvisioned, sb)

	c.logger.Info("sandbox ready",
		zap.String("sandbox_id", sandboxID),
		zap.String("container_id", containerID),
		zap.String("address", address))

	return sb, nil
}

// awaitHealthy polls the sandbox API health endpoint with bounded attempts.
func (c *Controller) awaitHealthy(ctx context.Context, sb *Sandbox) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.ProvisionAttempts; attempt++ {
		probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProvisionDelayDuration()+time.Second)
		lastErr = sb.API.Health(probeCtx)
		cancel()
		if lastErr == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ProvisionDelayDuration()):
		}
	}
	return fmt.Errorf("sandbox failed health check after %d attempts: %w", c.cfg.ProvisionAttempts, lastErr)
}

// abandonProvision cleans up after a failed provisioning attempt. The
// sandbox ID is burned; it is never reused.
func (c *Controller) abandonProvision(sb *Sandbox, containerID string) {
	sb.mu.Lock()
	sb.Status = v1.SandboxStatusDestroyed
	sb.mu.Unlock()

	c.mu.Lock()
	delete(c.sandboxes, sb.ID)
	if c.bySession[sb.SessionID] == sb.ID {
		delete(c.bySession, sb.SessionID)
	}
	c.mu.Unlock()

	if containerID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.runtime.RemoveContainer(ctx, containerID, true); err != nil {
			c.logger.Warn("failed to remove container after provisioning failure; queueing retry",
				zap.String("container_id", containerID), zap.Error(err))
			c.retry.Add(sb.ID, containerID)
		}
	}

	c.publishStatus(sb, "provisioning failed")
}

// Get returns the sandbox owned by a session.
func (c *Controller) Get(sessionID string) (*Sandbox, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.bySession[sessionID]
	if !ok {
		return nil, false
	}
	sb, ok := c.sandboxes[id]
	return sb, ok
}

// Checkout marks the session's sandbox busy for a single tool invocation.
// Fails with NoSandbox if the session owns no usable sandbox, and with
// SandboxBusy if an invocation is already outstanding.
func (c *Controller) Checkout(sessionID string) (*Sandbox, error) {
	sb, ok := c.Get(sessionID)
	if !ok {
		return nil, apperrors.NoSandbox(sessionID)
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()

	switch sb.Status {
	case v1.SandboxStatusReady, v1.SandboxStatusIdle:
		sb.Status = v1.SandboxStatusBusy
		return sb, nil
	case v1.SandboxStatusBusy:
		return nil, apperrors.SandboxBusy(sb.ID)
	default:
		return nil, apperrors.NoSandbox(sessionID)
	}
}

// Checkin returns a checked-out sandbox to the ready state. The TTL deadline
// is refreshed only on success, never on failed invocations or passive
// polling.
func (c *Controller) Checkin(sandboxID string, success bool) {
	c.mu.RLock()
	sb, ok := c.sandboxes[sandboxID]
	c.mu.RUnlock()
	if !ok {
		return
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()

	// A sandbox that died mid-invocation stays failed/destroyed.
	if sb.Status != v1.SandboxStatusBusy {
		return
	}
	sb.Status = v1.SandboxStatusReady
	if success {
		sb.Deadline = time.Now().Add(c.cfg.TTLDuration())
	}
}

// Release marks the session's sandbox idle and arms its TTL so the session
// can reattach cheaply on its next turn.
func (c *Controller) Release(sessionID string) {
	sb, ok := c.Get(sessionID)
	if !ok {
		return
	}

	sb.mu.Lock()
	if sb.Status == v1.SandboxStatusReady || sb.Status == v1.SandboxStatusBusy {
		sb.Status = v1.SandboxStatusIdle
		sb.Deadline = time.Now().Add(c.cfg.TTLDuration())
	}
	sb.mu.Unlock()

	c.publishStatus(sb, "released")
}

// Destroy tears down the session's sandbox immediately. Used when the
// session ends; TTL expiry handles the idle path.
func (c *Controller) Destroy(ctx context.Context, sessionID, reason string) {
	sb, ok := c.Get(sessionID)
	if !ok {
		return
	}
	c.destroy(ctx, sb, reason)
}

// destroy removes the sandbox's container and retires its identifier.
func (c *Controller) destroy(ctx context.Context, sb *Sandbox, reason string) {
	sb.mu.Lock()
	if sb.Status == v1.SandboxStatusDestroyed {
		sb.mu.Unlock()
		return
	}
	sb.Status = v1.SandboxStatusExpiring
	containerID := sb.ContainerID
	sb.mu.Unlock()

	c.logger.Info("destroying sandbox",
		zap.String("sandbox_id", sb.ID),
		zap.String("reason", reason))

	removeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var removeErr error
	if containerID != "" {
		if err := c.runtime.StopContainer(removeCtx, containerID, 10*time.Second); err != nil {
			c.logger.Debug("container stop before remove failed",
				zap.String("container_id", containerID), zap.Error(err))
		}
		removeErr = c.runtime.RemoveContainer(removeCtx, containerID, true)
	}

	if removeErr != nil {
		// Never drop a failed destruction: a leaked container is a
		// correctness bug. Queue for retry with backoff.
		c.logger.Error("failed to remove sandbox container; queueing retry",
			zap.String("sandbox_id", sb.ID),
			zap.String("container_id", containerID),
			zap.Error(removeErr))
		c.retry.Add(sb.ID, containerID)
	}

	sb.mu.Lock()
	sb.Status = v1.SandboxStatusDestroyed
	sessionID := sb.SessionID
	sb.mu.Unlock()

	c.mu.Lock()
	delete(c.sandboxes, sb.ID)
	if c.bySession[sessionID] == sb.ID {
		delete(c.bySession, sessionID)
	}
	c.mu.Unlock()

	c.publishStatus(sb, reason)
	c.publishBus(events.SandboxDestroyed, sb)
}

// ReapExpired destroys every sandbox whose TTL elapsed while unowned by an
// active turn, and retries previously failed destructions that are due.
// Called on a fixed interval; exported for tests.
func (c *Controller) ReapExpired(ctx context.Context) {
	now := time.Now()

	c.mu.RLock()
	var expired []*Sandbox
	for _, sb := range c.sandboxes {
		sb.mu.Lock()
		if (sb.Status == v1.SandboxStatusIdle || sb.Status == v1.SandboxStatusExpiring) && now.After(sb.Deadline) {
			expired = append(expired, sb)
		}
		sb.mu.Unlock()
	}
	c.mu.RUnlock()

	for _, sb := range expired {
		c.destroy(ctx, sb, "ttl expired")
	}

	for _, item := range c.retry.Due(now) {
		if err := c.runtime.RemoveContainer(ctx, item.ContainerID, true); err != nil {
			c.logger.Warn("destruction retry failed",
				zap.String("container_id", item.ContainerID),
				zap.Int("attempts", item.Attempts),
				zap.Error(err))
			c.retry.Requeue(item)
			continue
		}
		c.logger.Info("destruction retry succeeded",
			zap.String("container_id", item.ContainerID),
			zap.Int("attempts", item.Attempts))
	}
}

// ProbeHealth checks every ready/busy sandbox against its API health
// endpoint. A failed probe marks the sandbox failed, detaches it from its
// session so the next Acquire provisions a replacement, and notifies the
// lost handler. Exported for tests.
func (c *Controller) ProbeHealth(ctx context.Context) {
	c.mu.RLock()
	var live []*Sandbox
	for _, sb := range c.sandboxes {
		sb.mu.Lock()
		if sb.Status == v1.SandboxStatusReady || sb.Status == v1.SandboxStatusBusy {
			live = append(live, sb)
		}
		sb.mu.Unlock()
	}
	c.mu.RUnlock()

	for _, sb := range live {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := sb.API.Health(probeCtx)
		cancel()
		if err == nil {
			continue
		}
		c.markLost(ctx, sb, err)
	}
}

// markLost handles a crashed sandbox. In-flight invocations are failed with
// SandboxLost by the registered handler, never retried silently: partial
// side effects inside the sandbox cannot be assumed safe to repeat.
func (c *Controller) markLost(ctx context.Context, sb *Sandbox, probeErr error) {
	sb.mu.Lock()
	if sb.Status != v1.SandboxStatusReady && sb.Status != v1.SandboxStatusBusy {
		sb.mu.Unlock()
		return
	}
	sb.Status = v1.SandboxStatusFailed
	sessionID := sb.SessionID
	containerID := sb.ContainerID
	sb.mu.Unlock()

	c.logger.Warn("sandbox failed health probe",
		zap.String("sandbox_id", sb.ID),
		zap.String("session_id", sessionID),
		zap.Error(probeErr))

	// Container-level state for the post-mortem: did the process exit, or is
	// the container up with an unresponsive API?
	if containerID != "" {
		if info, err := c.runtime.GetContainerInfo(ctx, containerID); err == nil {
			c.logger.Warn("lost sandbox container state",
				zap.String("sandbox_id", sb.ID),
				zap.String("state", info.State),
				zap.Int("exit_code", info.ExitCode))
		}
	}

	// Detach so the next Acquire provisions a replacement.
	c.mu.Lock()
	if c.bySession[sessionID] == sb.ID {
		delete(c.bySession, sessionID)
	}
	delete(c.sandboxes, sb.ID)
	c.mu.Unlock()

	c.publishStatus(sb, "health probe failed")
	c.publishBus(events.SandboxStatusChanged, sb)

	if c.onLost != nil {
		c.onLost(sb.ID, sessionID)
	}

	// Reclaim the dead container; failures go to the retry queue.
	if containerID != "" {
		if err := c.runtime.RemoveContainer(ctx, containerID, true); err != nil {
			c.retry.Add(sb.ID, containerID)
		}
	}
}

// liveCount returns the number of non-destroyed sandboxes.
func (c *Controller) liveCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sandboxes)
}

// PendingDestroyRetries reports the depth of the destruction retry queue.
func (c *Controller) PendingDestroyRetries() int {
	return c.retry.Len()
}

func (c *Controller) reapLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.ReapIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.ReapExpired(ctx)
		}
	}
}

func (c *Controller) probeLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HealthIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.ProbeHealth(ctx)
		}
	}
}

// publishStatus emits a sandbox-status-changed event into the owning
// session's stream and hands the transition to the persistence boundary.
func (c *Controller) publishStatus(sb *Sandbox, reason string) {
	snap := sb.Snapshot()

	if c.stream != nil && snap.SessionID != "" {
		c.stream.Publish(snap.SessionID, v1.EventSandboxStatusChanged, v1.SandboxStatusPayload{
			SandboxID: snap.ID,
			Status:    snap.Status,
			Reason:    reason,
		})
	}

	if c.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.recorder.RecordSandbox(ctx, &store.SandboxRecord{
			ID:          snap.ID,
			SessionID:   snap.SessionID,
			ContainerID: snap.ContainerID,
			Address:     snap.Address,
			Status:      snap.Status,
			Deadline:    snap.Deadline,
			CreatedAt:   snap.CreatedAt,
		}); err != nil {
			c.logger.Error("failed to record sandbox transition",
				zap.String("sandbox_id", snap.ID), zap.Error(err))
		}
	}
}

// publishBus publishes a state-change record on the event bus.
func (c *Controller) publishBus(eventType string, sb *Sandbox) {
	if c.eventBus == nil {
		return
	}
	snap := sb.Snapshot()

	event := bus.NewEvent(eventType, "sandbox-lifecycle", map[string]interface{}{
		"sandbox_id":   snap.ID,
		"session_id":   snap.SessionID,
		"container_id": snap.ContainerID,
		"status":       string(snap.Status),
		"deadline":     snap.Deadline,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.eventBus.Publish(ctx, eventType, event); err != nil {
		c.logger.Error("failed to publish sandbox event",
			zap.String("event_type", eventType),
			zap.String("sandbox_id", snap.ID),
			zap.Error(err))
	}
}
