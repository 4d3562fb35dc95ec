package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coveworks/cove/internal/common/config"
	apperrors "github.com/coveworks/cove/internal/common/errors"
	"github.com/coveworks/cove/internal/common/logger"
	"github.com/coveworks/cove/internal/sandbox/docker"
	"github.com/coveworks/cove/internal/store"
	v1 "github.com/coveworks/cove/pkg/api/v1"
)

type fakeRuntime struct {
	mu       sync.Mutex
	created  int
	removed  []string
	leftover []docker.ContainerInfo
	createFn func(cfg docker.ContainerConfig) (string, error)
	removeFn func(containerID string) error
}

func (f *fakeRuntime) EnsureNetwork(ctx context.Context, name string) (string, error) {
	return "net-1", nil
}

func (f *fakeRuntime) CreateContainer(ctx context.Context, cfg docker.ContainerConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	if f.createFn != nil {
		return f.createFn(cfg)
	}
	return fmt.Sprintf("ctr-%d", f.created), nil
}

func (f *fakeRuntime) StartContainer(ctx context.Context, containerID string) error {
	return nil
}

func (f *fakeRuntime) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	return nil
}

func (f *fakeRuntime) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeFn != nil {
		if err := f.removeFn(containerID); err != nil {
			return err
		}
	}
	f.removed = append(f.removed, containerID)
	return nil
}

func (f *fakeRuntime) ContainerAddress(ctx context.Context, containerID, network string) (string, error) {
	return "172.20.0.2", nil
}

func (f *fakeRuntime) GetContainerInfo(ctx context.Context, containerID string) (*docker.ContainerInfo, error) {
	return &docker.ContainerInfo{ID: containerID, State: "exited", ExitCode: 137}, nil
}

func (f *fakeRuntime) ListContainers(ctx context.Context, labels map[string]string) ([]docker.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]docker.ContainerInfo(nil), f.leftover...), nil
}

func (f *fakeRuntime) removedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.removed)
}

type fakeAPI struct {
	mu       sync.Mutex
	healthFn func() error
}

func (f *fakeAPI) Health(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.healthFn != nil {
		return f.healthFn()
	}
	return nil
}

func (f *fakeAPI) setHealth(fn func() error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthFn = fn
}

type recordedEvent struct {
	sessionID string
	kind      v1.EventKind
	payload   interface{}
}

type fakeStream struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeStream) Publish(sessionID string, kind v1.EventKind, payload interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{sessionID: sessionID, kind: kind, payload: payload})
}

func testConfig() config.SandboxConfig {
	return config.SandboxConfig{
		Image:             "test/sandbox:latest",
		Network:           "test-net",
		APIPort:           8100,
		MemoryMB:          512,
		CPUCores:          1,
		TTL:               900,
		ReapInterval:      30,
		HealthInterval:    15,
		ProvisionAttempts: 2,
		ProvisionDelay:    0,
	}
}

func newTestController(t *testing.T, runtime *fakeRuntime, api *fakeAPI, cfg config.SandboxConfig) (*Controller, *fakeStream, *store.MemoryRecorder) {
	t.Helper()
	stream := &fakeStream{}
	recorder := store.NewMemoryRecorder()
	ctrl := NewController(
		runtime,
		func(address string) APIClient { return api },
		nil,
		recorder,
		stream,
		cfg,
		logger.NewNop(),
	)
	return ctrl, stream, recorder
}

func TestAcquireProvisionsAndReuses(t *testing.T) {
	runtime := &fakeRuntime{}
	ctrl, stream, recorder := newTestController(t, runtime, &fakeAPI{}, testConfig())

	sb, err := ctrl.Acquire(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if sb.Status != v1.SandboxStatusReady {
		t.Errorf("expected ready sandbox, got %s", sb.Status)
	}
	if sb.Address == "" {
		t.Error("expected sandbox address to be set")
	}

	again, err := ctrl.Acquire(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	if again.ID != sb.ID {
		t.Errorf("expected session to reuse sandbox %s, got %s", sb.ID, again.ID)
	}
	if runtime.created != 1 {
		t.Errorf("expected one container, got %d", runtime.created)
	}

	stream.mu.Lock()
	var statuses []v1.SandboxStatus
	for _, ev := range stream.events {
		if ev.kind == v1.EventSandboxStatusChanged {
			statuses = append(statuses, ev.payload.(v1.SandboxStatusPayload).Status)
		}
	}
	stream.mu.Unlock()
	if len(statuses) < 2 || statuses[0] != v1.SandboxStatusProvisioning || statuses[len(statuses)-1] != v1.SandboxStatusReady {
		t.Errorf("unexpected status event sequence: %v", statuses)
	}

	if rec, ok := recorder.Sandbox(sb.ID); !ok || rec.Status != v1.SandboxStatusReady {
		t.Error("expected ready sandbox record in the store")
	}
}

func TestAcquireProvisionFailure(t *testing.T) {
	runtime := &fakeRuntime{
		createFn: func(cfg docker.ContainerConfig) (string, error) {
			return "", fmt.Errorf("image pull failed")
		},
	}
	ctrl, _, _ := newTestController(t, runtime, &fakeAPI{}, testConfig())

	_, err := ctrl.Acquire(context.Background(), "session-1")
	if !apperrors.Is(err, apperrors.ErrCodeSandboxProvisionFailed) {
		t.Fatalf("expected SANDBOX_PROVISION_FAILED, got %v", err)
	}
	if _, ok := ctrl.Get("session-1"); ok {
		t.Error("failed provision must not leave a sandbox registered")
	}
}

func TestAcquireUnhealthySandboxCleansUp(t *testing.T) {
	runtime := &fakeRuntime{}
	api := &fakeAPI{healthFn: func() error { return fmt.Errorf("not up yet") }}
	ctrl, _, _ := newTestController(t, runtime, api, testConfig())

	_, err := ctrl.Acquire(context.Background(), "session-1")
	if !apperrors.Is(err, apperrors.ErrCodeSandboxProvisionFailed) {
		t.Fatalf("expected SANDBOX_PROVISION_FAILED, got %v", err)
	}
	if runtime.removedCount() != 1 {
		t.Errorf("expected the unhealthy container to be removed, got %d removals", runtime.removedCount())
	}
}

func TestCheckoutSingleFlight(t *testing.T) {
	ctrl, _, _ := newTestController(t, &fakeRuntime{}, &fakeAPI{}, testConfig())

	sb, err := ctrl.Acquire(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	first, err := ctrl.Checkout("session-1")
	if err != nil {
		t.Fatalf("first Checkout failed: %v", err)
	}
	if first.Status != v1.SandboxStatusBusy {
		t.Errorf("expected busy after checkout, got %s", first.Status)
	}

	if _, err := ctrl.Checkout("session-1"); !apperrors.Is(err, apperrors.ErrCodeSandboxBusy) {
		t.Fatalf("expected SANDBOX_BUSY on concurrent checkout, got %v", err)
	}

	ctrl.Checkin(sb.ID, true)
	if _, err := ctrl.Checkout("session-1"); err != nil {
		t.Fatalf("Checkout after Checkin failed: %v", err)
	}
}

func TestCheckoutWithoutSandbox(t *testing.T) {
	ctrl, _, _ := newTestController(t, &fakeRuntime{}, &fakeAPI{}, testConfig())

	if _, err := ctrl.Checkout("session-1"); !apperrors.Is(err, apperrors.ErrCodeNoSandbox) {
		t.Fatalf("expected NO_SANDBOX, got %v", err)
	}
}

func TestCheckinRefreshesDeadlineOnlyOnSuccess(t *testing.T) {
	ctrl, _, _ := newTestController(t, &fakeRuntime{}, &fakeAPI{}, testConfig())

	sb, err := ctrl.Acquire(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	sb.mu.Lock()
	sb.Deadline = time.Now().Add(time.Minute)
	old := sb.Deadline
	sb.mu.Unlock()

	if _, err := ctrl.Checkout("session-1"); err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}
	ctrl.Checkin(sb.ID, false)

	sb.mu.Lock()
	afterFailure := sb.Deadline
	sb.mu.Unlock()
	if !afterFailure.Equal(old) {
		t.Error("failed invocation must not refresh the TTL deadline")
	}

	if _, err := ctrl.Checkout("session-1"); err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}
	ctrl.Checkin(sb.ID, true)

	sb.mu.Lock()
	afterSuccess := sb.Deadline
	sb.mu.Unlock()
	if !afterSuccess.After(old) {
		t.Error("successful invocation must refresh the TTL deadline")
	}
}

func TestReapDestroysExpiredIdleSandbox(t *testing.T) {
	runtime := &fakeRuntime{}
	ctrl, _, _ := newTestController(t, runtime, &fakeAPI{}, testConfig())

	sb, err := ctrl.Acquire(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	ctrl.Release("session-1")

	// Not yet expired: reap must leave it alone.
	ctrl.ReapExpired(context.Background())
	if _, ok := ctrl.Get("session-1"); !ok {
		t.Fatal("unexpired idle sandbox was reaped")
	}

	sb.mu.Lock()
	sb.Deadline = time.Now().Add(-time.Second)
	sb.mu.Unlock()

	ctrl.ReapExpired(context.Background())
	if _, ok := ctrl.Get("session-1"); ok {
		t.Fatal("expired idle sandbox survived the reap")
	}
	if runtime.removedCount() != 1 {
		t.Errorf("expected container removal, got %d", runtime.removedCount())
	}

	// Next acquire provisions a fresh sandbox; identifiers never come back.
	replacement, err := ctrl.Acquire(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("Acquire after reap failed: %v", err)
	}
	if replacement.ID == sb.ID {
		t.Error("sandbox identifier was reused after destruction")
	}
}

func TestReacquireReclaimsIdleSandbox(t *testing.T) {
	runtime := &fakeRuntime{}
	ctrl, _, _ := newTestController(t, runtime, &fakeAPI{}, testConfig())

	sb, err := ctrl.Acquire(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	ctrl.Release("session-1")

	again, err := ctrl.Acquire(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("reacquire failed: %v", err)
	}
	if again.ID != sb.ID {
		t.Errorf("expected idle sandbox %s to be reclaimed, got %s", sb.ID, again.ID)
	}
	if again.Status != v1.SandboxStatusReady {
		t.Errorf("expected ready after reclaim, got %s", again.Status)
	}
	if runtime.created != 1 {
		t.Errorf("reclaim must not provision, got %d containers", runtime.created)
	}
}

func TestProbeMarksCrashedSandboxLost(t *testing.T) {
	runtime := &fakeRuntime{}
	api := &fakeAPI{}
	ctrl, _, _ := newTestController(t, runtime, api, testConfig())

	var lostMu sync.Mutex
	var lost []string
	ctrl.SetLostHandler(func(sandboxID, sessionID string) {
		lostMu.Lock()
		lost = append(lost, sandboxID+"/"+sessionID)
		lostMu.Unlock()
	})

	sb, err := ctrl.Acquire(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	api.setHealth(func() error { return fmt.Errorf("connection refused") })
	ctrl.ProbeHealth(context.Background())

	if _, ok := ctrl.Get("session-1"); ok {
		t.Fatal("crashed sandbox still attached to its session")
	}

	lostMu.Lock()
	gotLost := len(lost) == 1 && lost[0] == sb.ID+"/session-1"
	lostMu.Unlock()
	if !gotLost {
		t.Fatalf("expected one lost notification for %s, got %v", sb.ID, lost)
	}

	// The next acquire must produce a replacement, never revive the old one.
	api.setHealth(nil)
	replacement, err := ctrl.Acquire(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("Acquire after crash failed: %v", err)
	}
	if replacement.ID == sb.ID {
		t.Error("crashed sandbox identifier was reused")
	}
}

func TestDestroyRetriesFailedRemoval(t *testing.T) {
	removeErr := fmt.Errorf("daemon unavailable")
	runtime := &fakeRuntime{
		removeFn: func(containerID string) error { return removeErr },
	}
	ctrl, _, _ := newTestController(t, runtime, &fakeAPI{}, testConfig())

	if _, err := ctrl.Acquire(context.Background(), "session-1"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	ctrl.Destroy(context.Background(), "session-1", "session ended")

	if ctrl.PendingDestroyRetries() != 1 {
		t.Fatalf("expected one pending destroy retry, got %d", ctrl.PendingDestroyRetries())
	}

	// Once the daemon recovers, the due retry drains the queue.
	runtime.mu.Lock()
	runtime.removeFn = nil
	runtime.mu.Unlock()

	due := ctrl.retry.Due(time.Now().Add(time.Hour))
	for _, item := range due {
		if err := runtime.RemoveContainer(context.Background(), item.ContainerID, true); err != nil {
			t.Fatalf("retry removal failed: %v", err)
		}
	}
	if ctrl.PendingDestroyRetries() != 0 {
		t.Errorf("expected drained retry queue, got %d", ctrl.PendingDestroyRetries())
	}
}

func TestAcquireRespectsPoolBound(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLive = 1
	ctrl, _, _ := newTestController(t, &fakeRuntime{}, &fakeAPI{}, cfg)

	if _, err := ctrl.Acquire(context.Background(), "session-1"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if _, err := ctrl.Acquire(context.Background(), "session-2"); !apperrors.Is(err, apperrors.ErrCodeSandboxProvisionFailed) {
		t.Fatalf("expected SANDBOX_PROVISION_FAILED at pool bound, got %v", err)
	}
}

func TestDestroyQueueBackoff(t *testing.T) {
	q := newDestroyQueue()
	q.Add("sb-1", "ctr-1")

	if got := q.Due(time.Now()); len(got) != 0 {
		t.Fatalf("retry became due before its backoff elapsed")
	}

	due := q.Due(time.Now().Add(retryBaseDelay + time.Second))
	if len(due) != 1 || due[0].ContainerID != "ctr-1" {
		t.Fatalf("expected ctr-1 due after base delay, got %v", due)
	}

	// Rescheduling doubles the delay per attempt, capped.
	q.Add("sb-1", "ctr-1")
	q.Add("sb-1", "ctr-1")
	if q.Len() != 1 {
		t.Fatalf("reschedule must not duplicate entries, got %d", q.Len())
	}
	if d := backoffDelay(20); d != retryMaxDelay {
		t.Errorf("expected backoff cap %v, got %v", retryMaxDelay, d)
	}
}

func TestStartReconcilesOrphanedContainers(t *testing.T) {
	runtime := &fakeRuntime{leftover: []docker.ContainerInfo{
		{ID: "ctr-old-1", Name: "cove-sandbox-aaaa1111", State: "exited"},
		{ID: "ctr-old-2", Name: "cove-sandbox-bbbb2222", State: "running"},
	}}
	runtime.removeFn = func(containerID string) error {
		if containerID == "ctr-old-2" {
			return fmt.Errorf("device busy")
		}
		return nil
	}
	ctrl, _, _ := newTestController(t, runtime, &fakeAPI{}, testConfig())

	ctrl.reconcileOrphans(context.Background())

	assert.Equal(t, 1, runtime.removedCount(), "removable orphan is reclaimed at startup")
	require.Equal(t, 1, ctrl.PendingDestroyRetries(),
		"failed orphan removal must queue a destruction retry")

	// The stuck container eventually removes on retry.
	runtime.removeFn = nil
	for _, item := range ctrl.retry.Due(time.Now().Add(time.Hour)) {
		require.NoError(t, runtime.RemoveContainer(context.Background(), item.ContainerID, true))
	}
	assert.Equal(t, 2, runtime.removedCount())
}

func TestDestroyQueueRequeueEscalatesBackoff(t *testing.T) {
	q := newDestroyQueue()
	q.Add("sb-1", "ctr-1")

	due := q.Due(time.Now().Add(retryMaxDelay + time.Second))
	require.Len(t, due, 1)
	require.Equal(t, 1, due[0].Attempts)

	// Pop, fail, requeue: the attempt count must carry over, not restart.
	q.Requeue(due[0])
	assert.Equal(t, 2, due[0].Attempts)
	assert.Equal(t, 1, q.Len(), "requeue must not duplicate entries")
	assert.Empty(t, q.Due(time.Now().Add(backoffDelay(2)-time.Second)),
		"second attempt became due before its doubled delay")

	// The next failed cycle keeps escalating.
	due = q.Due(time.Now().Add(retryMaxDelay + time.Second))
	require.Len(t, due, 1)
	q.Requeue(due[0])
	assert.Equal(t, 3, due[0].Attempts)
	assert.Empty(t, q.Due(time.Now().Add(backoffDelay(3)-time.Second)),
		"third attempt became due before its escalated delay")
}
