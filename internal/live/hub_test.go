package live

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"qaforum/api/internal/logging"
	"qaforum/api/internal/qa"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestHubDeliversEventsPerRoom(t *testing.T) {
	hub := NewHub(logging.Discard(), nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, r.URL.Query().Get("room"))
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Event, 4)
	go func() {
		_ = Subscribe(ctx, wsURL+"?room=col_1", nil, func(ev Event) { received <- ev })
	}()
	otherRoom := make(chan Event, 4)
	go func() {
		_ = Subscribe(ctx, wsURL+"?room=col_2", nil, func(ev Event) { otherRoom <- ev })
	}()
	waitFor(t, func() bool { return hub.Subscribers("col_1") == 1 && hub.Subscribers("col_2") == 1 })

	item := qa.Item{ID: "qa_1", AuthorID: "usr_1", Replies: []qa.Item{}}
	hub.Publish(Event{Type: EventCreated, CollaborationID: "col_1", ID: "qa_1", Item: &item})

	select {
	case ev := <-received:
		if ev.Type != EventCreated || ev.ID != "qa_1" || ev.Item == nil || ev.Item.AuthorID != "usr_1" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	select {
	case ev := <-otherRoom:
		t.Fatalf("event leaked to another room: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	waitFor(t, func() bool { return hub.Subscribers("col_1") == 0 })
}

func TestPublishOnNilHubIsNoop(t *testing.T) {
	var hub *Hub
	hub.Publish(Event{Type: EventDeleted, CollaborationID: "col_1", ID: "qa_1"})
}
