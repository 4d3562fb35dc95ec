// Package stream is the per-session ordered event log and fan-out. Every
// session event is assigned a strictly increasing sequence number at publish
// time; subscribers attach at any sequence number still retained and receive
// a gap-free, identically ordered view from that point on.
package stream

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coveworks/cove/internal/common/config"
	apperrors "github.com/coveworks/cove/internal/common/errors"
	"github.com/coveworks/cove/internal/common/logger"
	v1 "github.com/coveworks/cove/pkg/api/v1"
)

// Subscription is one subscriber's ordered view of a session stream. Events
// arrive on C in sequence order with no gaps. When C is closed, Err reports
// why: nil for a normal session close or unsubscribe, SubscriberOverrun when
// the subscriber fell too far behind.
type Subscription struct {
	ID        string
	SessionID string

	ch   chan *v1.Event
	mu   sync.Mutex
	err  error
	once sync.Once
}

// C returns the event delivery channel.
func (s *Subscription) C() <-chan *v1.Event {
	return s.ch
}

// Err returns the reason the subscription ended. Valid after C is closed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) closeWith(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.ch)
	})
}

// sessionLog is one session's event history and live subscriber set.
type sessionLog struct {
	mu      sync.Mutex
	seq     uint64
	history []*v1.Event // contiguous suffix of the stream, capped
	subs    map[string]*Subscription
	closed  bool
}

// oldestSeq returns the lowest retained sequence number, or seq+1 when the
// history is empty.
func (l *sessionLog) oldestSeq() uint64 {
	if len(l.history) == 0 {
		return l.seq + 1
	}
	return l.history[0].Seq
}

// Mux assigns sequence numbers and fans events out to subscribers. Publish
// never blocks: a subscriber that cannot keep up is disconnected with
// SubscriberOverrun rather than stalling the producer or other subscribers.
type Mux struct {
	cfg    config.StreamConfig
	logger *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*sessionLog
}

// NewMux creates an event stream multiplexer.
func NewMux(cfg config.StreamConfig, log *logger.Logger) *Mux {
	return &Mux{
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "event-stream")),
		sessions: make(map[string]*sessionLog),
	}
}

// Register creates the event log for a new session. Idempotent.
func (m *Mux) Register(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		m.sessions[sessionID] = &sessionLog{subs: make(map[string]*Subscription)}
	}
}

// Publish appends an event to the session's stream and delivers it to every
// live subscriber. The payload is marshalled once; a payload that cannot be
// marshalled is a programming error and is dropped with a log line.
func (m *Mux) Publish(sessionID string, kind v1.EventKind, payload interface{}) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			m.logger.Error("failed to marshal event payload",
				zap.String("session_id", sessionID),
				zap.String("kind", string(kind)),
				zap.Error(err))
			return
		}
		raw = data
	}

	m.mu.RLock()
	log, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		m.logger.Debug("event for unknown session dropped",
			zap.String("session_id", sessionID),
			zap.String("kind", string(kind)))
		return
	}

	log.mu.Lock()
	if log.closed {
		log.mu.Unlock()
		return
	}

	log.seq++
	event := &v1.Event{
		SessionID: sessionID,
		Seq:       log.seq,
		Kind:      kind,
		Payload:   raw,
		Timestamp: time.Now(),
	}

	log.history = append(log.history, event)
	if m.cfg.HistoryLimit > 0 && len(log.history) > m.cfg.HistoryLimit {
		log.history = log.history[len(log.history)-m.cfg.HistoryLimit:]
	}

	var overrun []*Subscription
	for id, sub := range log.subs {
		select {
		case sub.ch <- event:
		default:
			delete(log.subs, id)
			overrun = append(overrun, sub)
		}
	}
	log.mu.Unlock()

	for _, sub := range overrun {
		m.logger.Warn("subscriber overran its buffer; disconnecting",
			zap.String("session_id", sessionID),
			zap.String("subscription_id", sub.ID),
			zap.Uint64("seq", event.Seq))
		sub.closeWith(apperrors.SubscriberOverrun(sessionID))
	}
}

// Subscribe attaches a subscriber to a session's stream. fromSeq is the first
// sequence number the subscriber wants; zero means live-only, starting at the
// next published event. Retained history from fromSeq onward is replayed
// before any live event, so the delivered stream is gap-free and in order.
func (m *Mux) Subscribe(sessionID string, fromSeq uint64) (*Subscription, error) {
	m.mu.RLock()
	log, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, apperrors.NotFound("session stream", sessionID)
	}

	log.mu.Lock()
	defer log.mu.Unlock()

	var replay []*v1.Event
	if fromSeq > 0 {
		// seq+1 is the next sequence to be issued; anything past it has never
		// existed on this stream.
		if fromSeq > log.seq+1 {
			return nil, apperrors.BadRequest("requested sequence has not been issued on this stream")
		}
		if fromSeq <= log.seq && fromSeq < log.oldestSeq() {
			return nil, apperrors.BadRequest("requested events are no longer retained")
		}
		for _, ev := range log.history {
			if ev.Seq >= fromSeq {
				replay = append(replay, ev)
			}
		}
	}

	// The buffer always has room for the full replay so attaching mid-stream
	// cannot itself cause an overrun.
	sub := &Subscription{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		ch:        make(chan *v1.Event, len(replay)+m.cfg.SubscriberBuffer),
	}
	for _, ev := range replay {
		sub.ch <- ev
	}

	if log.closed {
		// Terminal session: deliver the retained history, then end.
		sub.closeWith(nil)
		return sub, nil
	}

	log.subs[sub.ID] = sub
	return sub, nil
}

// Unsubscribe detaches a subscriber. Safe to call after the subscription
// already ended.
func (m *Mux) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	m.mu.RLock()
	log, ok := m.sessions[sub.SessionID]
	m.mu.RUnlock()
	if ok {
		log.mu.Lock()
		delete(log.subs, sub.ID)
		log.mu.Unlock()
	}
	sub.closeWith(nil)
}

// Close seals a session's stream after its terminal event. Subscribers drain
// their buffered events and then see the channel close with a nil error. Late
// subscribers still receive the retained history.
func (m *Mux) Close(sessionID string) {
	m.mu.RLock()
	log, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	log.mu.Lock()
	if log.closed {
		log.mu.Unlock()
		return
	}
	log.closed = true
	subs := make([]*Subscription, 0, len(log.subs))
	for _, sub := range log.subs {
		subs = append(subs, sub)
	}
	log.subs = make(map[string]*Subscription)
	log.mu.Unlock()

	for _, sub := range subs {
		sub.closeWith(nil)
	}
}

// Drop discards a session's stream entirely, history included. Used when the
// retention window for a finished session lapses.
func (m *Mux) Drop(sessionID string) {
	m.Close(sessionID)
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// LastSeq returns the highest sequence number assigned on a session stream.
func (m *Mux) LastSeq(sessionID string) uint64 {
	m.mu.RLock()
	log, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	log.mu.Lock()
	defer log.mu.Unlock()
	return log.seq
}
