package models

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestWebSocketManagerTenantScopedBroadcast(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	wsm := NewWebSocketManager(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go wsm.Run(ctx)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		wsm.RegisterClient(ctx, conn, r.URL.Query().Get("tenant"))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				wsm.UnregisterClient(ctx, conn)
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?tenant=alice"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for wsm.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for client registration")
		}
		time.Sleep(10 * time.Millisecond)
	}

	bobJob := &Job{ID: "bob-job", RequesterID: "bob"}
	aliceJob := &Job{ID: "alice-job", RequesterID: "alice", DestinationPath: "/data/alice/a.mp4"}
	wsm.Publish(NewJobEvent(bobJob, StatusCompleted))
	wsm.Publish(NewJobEvent(aliceJob, StatusCompleted))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}

	var event JobEvent
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("Failed to decode event: %v", err)
	}
	if event.JobID != "alice-job" {
		t.Errorf("Expected alice-job event, got %s", event.JobID)
	}
	if event.Outfile != "a.mp4" || event.Status != StatusCompleted {
		t.Errorf("Unexpected event %+v", event)
	}
}

func TestWebSocketManagerPublishNeverBlocks(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	wsm := NewWebSocketManager(logger)

	done := make(chan struct{})
	go func() {
		for i := 0; i < broadcastBuffer*2; i++ {
			wsm.Publish(JobEvent{JobID: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked without a running manager")
	}
}

func TestWebSocketManagerDropsStalledClient(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	wsm := NewWebSocketManager(logger)
	wsm.writeWait = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go wsm.Run(ctx)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		wsm.RegisterClient(ctx, conn, r.URL.Query().Get("tenant"))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				wsm.UnregisterClient(ctx, conn)
				return
			}
		}
	}))
	defer srv.Close()

	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?tenant="

	// alice never reads, so her socket buffers fill up
	stalled, _, err := websocket.DefaultDialer.Dial(base+"alice", nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer stalled.Close()

	bob, _, err := websocket.DefaultDialer.Dial(base+"bob", nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer bob.Close()

	deadline := time.Now().Add(2 * time.Second)
	for wsm.ClientCount() != 2 {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for client registration")
		}
		time.Sleep(10 * time.Millisecond)
	}

	aliceJob := &Job{ID: "alice-job", RequesterID: "alice"}
	big := NewJobEvent(aliceJob, StatusFailed)
	big.Error = strings.Repeat("x", 1<<20)
	for i := 0; i < 64; i++ {
		wsm.Publish(big)
	}
	wsm.Publish(NewJobEvent(&Job{ID: "bob-job", RequesterID: "bob"}, StatusCompleted))

	bob.SetReadDeadline(time.Now().Add(5 * time.Second))
	var event JobEvent
	if err := bob.ReadJSON(&event); err != nil {
		t.Fatalf("Expected bob's event despite the stalled client: %v", err)
	}
	if event.JobID != "bob-job" {
		t.Errorf("Expected bob-job event, got %s", event.JobID)
	}
	if n := wsm.ClientCount(); n != 1 {
		t.Errorf("Expected the stalled client to be dropped, got %d clients", n)
	}
}
