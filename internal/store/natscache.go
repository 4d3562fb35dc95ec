package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/coveworks/cove/internal/common/config"
	"github.com/coveworks/cove/internal/common/logger"
)

// NATSCacheRecorder mirrors the latest state of every session and sandbox
// into a JetStream KV bucket so UI reads never touch the durable store.
// Entries expire with the bucket TTL.
type NATSCacheRecorder struct {
	kv     nats.KeyValue
	logger *logger.Logger
}

// NewNATSCacheRecorder creates (or binds to) the KV bucket.
func NewNATSCacheRecorder(conn *nats.Conn, cfg config.NATSConfig, log *logger.Logger) (*NATSCacheRecorder, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	kv, err := js.KeyValue(cfg.CacheBucket)
	if err != nil {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket: cfg.CacheBucket,
			TTL:    cfg.CacheTTLDuration(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create KV bucket %s: %w", cfg.CacheBucket, err)
		}
	}

	return &NATSCacheRecorder{
		kv:     kv,
		logger: log.WithFields(zap.String("component", "nats-cache")),
	}, nil
}

func (n *NATSCacheRecorder) put(key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry %s: %w", key, err)
	}
	if _, err := n.kv.Put(key, data); err != nil {
		return fmt.Errorf("failed to put cache entry %s: %w", key, err)
	}
	return nil
}

// RecordSession caches the latest session state.
func (n *NATSCacheRecorder) RecordSession(ctx context.Context, rec *SessionRecord) error {
	return n.put("session."+rec.ID, rec)
}

// RecordSandbox caches the latest sandbox state.
func (n *NATSCacheRecorder) RecordSandbox(ctx context.Context, rec *SandboxRecord) error {
	return n.put("sandbox."+rec.ID, rec)
}

// RecordInvocation caches the terminal invocation result keyed by invocation
// ID; readers can watch "invocation.>" for completions.
func (n *NATSCacheRecorder) RecordInvocation(ctx context.Context, rec *InvocationRecord) error {
	return n.put("invocation."+rec.ID, rec)
}

// Close is a no-op; the bucket belongs to the shared NATS connection.
func (n *NATSCacheRecorder) Close() error {
	return nil
}
