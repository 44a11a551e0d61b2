package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/stenograph/internal/api"
	"github.com/MrWong99/stenograph/internal/session"
	"github.com/MrWong99/stenograph/pkg/types"
)

func dialHub(t *testing.T, hub *api.Hub) (*websocket.Conn, context.Context) {
	t.Helper()
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber was not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn, ctx
}

func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) api.Event {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var ev api.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return ev
}

func TestHub_BroadcastsSessionEvents(t *testing.T) {
	t.Parallel()
	hub := api.NewHub()
	defer hub.Close()
	conn, ctx := dialHub(t, hub)

	rec := types.SessionRecord{ID: "s-1", Mode: types.ModeStreaming, State: types.SessionRecording}
	hub.SessionStarted(rec)
	hub.InterimUpdated(rec, "hello wor", 0)
	hub.SegmentCompleted(rec, types.ProcessedSegment{
		SegmentID: "seg-1",
		Sequence:  3,
		FinalText: "hello world.",
		Status:    types.StatusCompleted,
		Timings:   types.StageTimings{types.StageTranscribe: 20 * time.Millisecond},
	})
	hub.SessionCompleted(rec, session.Summary{Transcript: "hello world."})
	hub.SessionError(rec, errors.New("stt: auth"))

	ev := readEvent(t, ctx, conn)
	if ev.Type != api.EventSessionStarted || ev.Session.ID != "s-1" {
		t.Errorf("first event = %+v", ev)
	}
	if ev.Time.IsZero() {
		t.Error("event time not set")
	}
	if ev = readEvent(t, ctx, conn); ev.Type != api.EventInterimUpdated || ev.Text != "hello wor" {
		t.Errorf("second event = %+v", ev)
	}
	ev = readEvent(t, ctx, conn)
	if ev.Type != api.EventSegmentCompleted || ev.Segment == nil {
		t.Fatalf("third event = %+v", ev)
	}
	if ev.Segment.Text != "hello world." || ev.Segment.Sequence != 3 || ev.Segment.Timings["transcribe"] != "20ms" {
		t.Errorf("segment = %+v", ev.Segment)
	}
	if ev = readEvent(t, ctx, conn); ev.Type != api.EventSessionCompleted || ev.Summary == nil || ev.Summary.Transcript != "hello world." {
		t.Errorf("fourth event = %+v", ev)
	}
	if ev = readEvent(t, ctx, conn); ev.Type != api.EventSessionError || ev.Error != "stt: auth" {
		t.Errorf("fifth event = %+v", ev)
	}
}

func TestHub_SegmentFailed(t *testing.T) {
	t.Parallel()
	hub := api.NewHub()
	defer hub.Close()
	conn, ctx := dialHub(t, hub)

	rec := types.SessionRecord{ID: "s-2", Mode: types.ModeStreaming, State: types.SessionRecording}
	hub.SegmentFailed(rec, types.ProcessedSegment{
		SegmentID: "seg-9",
		Sequence:  9,
		Status:    types.StatusFailed,
		Err:       errors.New("stt: invalid request"),
	})

	ev := readEvent(t, ctx, conn)
	if ev.Type != api.EventSegmentFailed || ev.Segment == nil || ev.Segment.Sequence != 9 {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Error != "stt: invalid request" {
		t.Errorf("Error = %q", ev.Error)
	}
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	t.Parallel()
	hub := api.NewHub(api.WithBuffer(1))
	defer hub.Close()
	dialHub(t, hub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 100 {
			hub.InterimUpdated(types.SessionRecord{}, "x", 0)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked on a subscriber that never reads")
	}
}

func TestHub_CloseDisconnects(t *testing.T) {
	t.Parallel()
	hub := api.NewHub()
	conn, ctx := dialHub(t, hub)

	hub.Close()
	_, _, err := conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusGoingAway {
		t.Errorf("close status = %v (err %v), want StatusGoingAway", got, err)
	}
	if hub.Clients() != 0 {
		t.Errorf("Clients() = %d after Close, want 0", hub.Clients())
	}
}
