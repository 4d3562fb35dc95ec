package stream

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/coveworks/cove/internal/common/config"
	apperrors "github.com/coveworks/cove/internal/common/errors"
	"github.com/coveworks/cove/internal/common/logger"
	v1 "github.com/coveworks/cove/pkg/api/v1"
)

func newTestMux(historyLimit, subscriberBuffer int) *Mux {
	return NewMux(config.StreamConfig{
		HistoryLimit:     historyLimit,
		SubscriberBuffer: subscriberBuffer,
	}, logger.NewNop())
}

func collect(t *testing.T, sub *Subscription, n int) []*v1.Event {
	t.Helper()
	events := make([]*v1.Event, 0, n)
	for ev := range sub.C() {
		events = append(events, ev)
		if len(events) == n {
			break
		}
	}
	if len(events) != n {
		t.Fatalf("stream ended after %d events, wanted %d", len(events), n)
	}
	return events
}

func TestPublishAssignsContiguousSequence(t *testing.T) {
	mux := newTestMux(100, 10)
	mux.Register("session-1")

	sub, err := mux.Subscribe("session-1", 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		mux.Publish("session-1", v1.EventAgentMessage, v1.AgentMessagePayload{Text: fmt.Sprintf("msg-%d", i)})
	}

	events := collect(t, sub, 5)
	for i, ev := range events {
		if ev.Seq != uint64(i+1) {
			t.Errorf("event %d: expected seq %d, got %d", i, i+1, ev.Seq)
		}
		if ev.SessionID != "session-1" {
			t.Errorf("event %d: wrong session %q", i, ev.SessionID)
		}
	}
}

func TestSubscribeReplaysFromSequence(t *testing.T) {
	mux := newTestMux(100, 10)
	mux.Register("session-1")

	for i := 1; i <= 6; i++ {
		mux.Publish("session-1", v1.EventAgentMessage, v1.AgentMessagePayload{Text: fmt.Sprintf("msg-%d", i)})
	}

	sub, err := mux.Subscribe("session-1", 3)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	mux.Publish("session-1", v1.EventAgentMessage, v1.AgentMessagePayload{Text: "live"})

	events := collect(t, sub, 5)
	want := uint64(3)
	for _, ev := range events {
		if ev.Seq != want {
			t.Fatalf("expected seq %d, got %d: replay must be gap-free into live delivery", want, ev.Seq)
		}
		want++
	}

	var payload v1.AgentMessagePayload
	if err := json.Unmarshal(events[len(events)-1].Payload, &payload); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}
	if payload.Text != "live" {
		t.Errorf("expected final live event, got %q", payload.Text)
	}
}

func TestSubscribersSeeIdenticalOrder(t *testing.T) {
	mux := newTestMux(100, 50)
	mux.Register("session-1")

	a, err := mux.Subscribe("session-1", 0)
	if err != nil {
		t.Fatalf("Subscribe a failed: %v", err)
	}
	b, err := mux.Subscribe("session-1", 0)
	if err != nil {
		t.Fatalf("Subscribe b failed: %v", err)
	}

	for i := 0; i < 20; i++ {
		mux.Publish("session-1", v1.EventToolOutputChunk, v1.ToolOutputChunkPayload{Data: fmt.Sprintf("chunk-%d", i)})
	}

	eventsA := collect(t, a, 20)
	eventsB := collect(t, b, 20)
	for i := range eventsA {
		if eventsA[i].Seq != eventsB[i].Seq {
			t.Fatalf("subscribers diverged at position %d: %d vs %d", i, eventsA[i].Seq, eventsB[i].Seq)
		}
	}
}

func TestSlowSubscriberIsDisconnectedWithOverrun(t *testing.T) {
	mux := newTestMux(100, 2)
	mux.Register("session-1")

	slow, err := mux.Subscribe("session-1", 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	fast, err := mux.Subscribe("session-1", 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// Fast keeps up; slow is never drained, so its 2-slot buffer fills and
	// the third publish must disconnect it without blocking the producer.
	var events []*v1.Event
	for i := 0; i < 5; i++ {
		mux.Publish("session-1", v1.EventAgentMessage, v1.AgentMessagePayload{Text: "x"})
		events = append(events, <-fast.C())
	}

	// Slow got its buffered prefix, then the channel closed with overrun.
	var received int
	for range slow.C() {
		received++
	}
	if received != 2 {
		t.Errorf("expected 2 buffered events before disconnect, got %d", received)
	}
	if !apperrors.Is(slow.Err(), apperrors.ErrCodeSubscriberOverrun) {
		t.Errorf("expected SUBSCRIBER_OVERRUN, got %v", slow.Err())
	}

	// The fast subscriber is unaffected; events stay ordered and gap-free.
	for i, ev := range events {
		if ev.Seq != uint64(i+1) {
			t.Errorf("fast subscriber saw seq %d at position %d", ev.Seq, i)
		}
	}
}

func TestHistoryTrimRejectsAncientSubscribe(t *testing.T) {
	mux := newTestMux(3, 10)
	mux.Register("session-1")

	for i := 0; i < 10; i++ {
		mux.Publish("session-1", v1.EventAgentMessage, nil)
	}

	// Events 1..7 are trimmed; seq 8 is the oldest retained.
	if _, err := mux.Subscribe("session-1", 2); !apperrors.Is(err, apperrors.ErrCodeBadRequest) {
		t.Fatalf("expected BAD_REQUEST for trimmed range, got %v", err)
	}

	sub, err := mux.Subscribe("session-1", 8)
	if err != nil {
		t.Fatalf("Subscribe at retained seq failed: %v", err)
	}
	events := collect(t, sub, 3)
	if events[0].Seq != 8 || events[2].Seq != 10 {
		t.Errorf("expected retained suffix 8..10, got %d..%d", events[0].Seq, events[2].Seq)
	}
}

func TestSubscribeRejectsUnissuedSequence(t *testing.T) {
	mux := newTestMux(100, 10)
	mux.Register("session-1")

	for i := 0; i < 3; i++ {
		mux.Publish("session-1", v1.EventAgentMessage, nil)
	}

	// seq 4 is the next to be issued; asking for it attaches live, asking
	// past it is a caller error, not a silent live attach.
	if _, err := mux.Subscribe("session-1", 5); !apperrors.Is(err, apperrors.ErrCodeBadRequest) {
		t.Fatalf("expected BAD_REQUEST for unissued sequence, got %v", err)
	}

	sub, err := mux.Subscribe("session-1", 4)
	if err != nil {
		t.Fatalf("Subscribe at next sequence failed: %v", err)
	}
	mux.Publish("session-1", v1.EventAgentMessage, nil)
	if ev := <-sub.C(); ev.Seq != 4 {
		t.Errorf("expected live event with seq 4, got %d", ev.Seq)
	}

	// An empty stream admits only fromSeq 0 or 1.
	mux.Register("session-2")
	if _, err := mux.Subscribe("session-2", 2); !apperrors.Is(err, apperrors.ErrCodeBadRequest) {
		t.Fatalf("expected BAD_REQUEST on empty stream, got %v", err)
	}
}

func TestCloseEndsSubscribersCleanly(t *testing.T) {
	mux := newTestMux(100, 10)
	mux.Register("session-1")

	sub, err := mux.Subscribe("session-1", 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	mux.Publish("session-1", v1.EventSessionStatusChanged, v1.SessionStatusPayload{Status: v1.SessionStatusCompleted})
	mux.Close("session-1")

	var events []*v1.Event
	for ev := range sub.C() {
		events = append(events, ev)
	}
	if len(events) != 1 {
		t.Fatalf("expected buffered terminal event before close, got %d events", len(events))
	}
	if sub.Err() != nil {
		t.Errorf("clean close must not report an error, got %v", sub.Err())
	}

	// Publishing after close is a no-op.
	mux.Publish("session-1", v1.EventAgentMessage, nil)
	if got := mux.LastSeq("session-1"); got != 1 {
		t.Errorf("sealed stream advanced to seq %d", got)
	}

	// Late subscribers still get the retained history, then an immediate end.
	late, err := mux.Subscribe("session-1", 1)
	if err != nil {
		t.Fatalf("late Subscribe failed: %v", err)
	}
	var lateCount int
	for range late.C() {
		lateCount++
	}
	if lateCount != 1 {
		t.Errorf("late subscriber expected 1 replayed event, got %d", lateCount)
	}
}

func TestUnsubscribeDetaches(t *testing.T) {
	mux := newTestMux(100, 1)
	mux.Register("session-1")

	sub, err := mux.Subscribe("session-1", 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	mux.Unsubscribe(sub)

	// The detached subscriber's full buffer must not count as an overrun.
	mux.Publish("session-1", v1.EventAgentMessage, nil)
	mux.Publish("session-1", v1.EventAgentMessage, nil)

	if sub.Err() != nil {
		t.Errorf("unsubscribed subscription must end without error, got %v", sub.Err())
	}
}
