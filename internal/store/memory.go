package store

import (
	"context"
	"sync"
)

// MemoryRecorder is an in-memory Recorder. It keeps the latest record per
// session and sandbox and every invocation record, which is what tests need
// to assert on.
type MemoryRecorder struct {
	mu          sync.RWMutex
	sessions    map[string]*SessionRecord
	sandboxes   map[string]*SandboxRecord
	invocations []*InvocationRecord
}

// NewMemoryRecorder creates an in-memory recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{
		sessions:  make(map[string]*SessionRecord),
		sandboxes: make(map[string]*SandboxRecord),
	}
}

// RecordSession stores the latest session record.
func (m *MemoryRecorder) RecordSession(ctx context.Context, rec *SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.sessions[rec.ID] = &cp
	return nil
}

// RecordSandbox stores the latest sandbox record.
func (m *MemoryRecorder) RecordSandbox(ctx context.Context, rec *SandboxRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.sandboxes[rec.ID] = &cp
	return nil
}

// RecordInvocation appends an invocation record.
func (m *MemoryRecorder) RecordInvocation(ctx context.Context, rec *InvocationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.invocations = append(m.invocations, &cp)
	return nil
}

// Session returns the latest record for a session.
func (m *MemoryRecorder) Session(id string) (*SessionRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[id]
	return rec, ok
}

// Sandbox returns the latest record for a sandbox.
func (m *MemoryRecorder) Sandbox(id string) (*SandboxRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sandboxes[id]
	return rec, ok
}

// Invocations returns all invocation records for a session.
func (m *MemoryRecorder) Invocations(sessionID string) []*InvocationRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*InvocationRecord
	for _, rec := range m.invocations {
		if rec.SessionID == sessionID {
			result = append(result, rec)
		}
	}
	return result
}

// Close is a no-op.
func (m *MemoryRecorder) Close() error {
	return nil
}
