package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"qaforum/api/internal/auth"
	"qaforum/api/internal/live"
	"qaforum/api/internal/logging"
	"qaforum/api/internal/qa"
	"qaforum/api/internal/rbac"
)

func TestLoadRetriesReads(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /qa/{contextId}", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(t, w, http.StatusOK, fixtureForest())
	})
	board, notices, _ := newTestBoard(t, mux, "")

	forest, err := board.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected two attempts, got %d", calls.Load())
	}
	if qa.Len(forest) != 3 {
		t.Fatalf("unexpected forest size %d", qa.Len(forest))
	}
	if len(notices.all()) != 0 {
		t.Fatal("a retried read should not notify")
	}
}

func TestLoadEmptyDiscussion(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /qa/{contextId}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("contextId") != "col_1" {
			t.Errorf("unexpected context %s", r.PathValue("contextId"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("[]"))
	})
	board, _, _ := newTestBoard(t, mux, "")

	forest, err := board.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if forest == nil || len(forest) != 0 {
		t.Fatalf("expected empty forest, got %#v", forest)
	}
}

func TestUndecodableBodyIsRequestError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /qa/{contextId}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>proxy error</html>"))
	})
	board, notices, _ := newTestBoard(t, mux, "")

	_, err := board.Load(context.Background())
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Err == nil {
		t.Fatalf("expected request error, got %v", err)
	}
	if notice := notices.last(t); notice.Message != "Could not load the discussion." {
		t.Fatalf("unexpected notice %+v", notice)
	}
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"message wins", http.StatusForbidden, `{"error":"FORBIDDEN","message":"Only the author can edit"}`, &AuthorizationError{Status: 403, Reason: "Only the author can edit"}},
		{"error field", http.StatusUnauthorized, `{"error":"Sign in"}`, &AuthorizationError{Status: 401, Reason: "Sign in"}},
		{"plain text", http.StatusBadGateway, `bad gateway`, &RequestError{Status: 502}},
		{"not found", http.StatusNotFound, `{"message":"Not found"}`, &RequestError{Status: 404, Reason: "Not found"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := statusError(tt.status, []byte(tt.body))
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestLiveURL(t *testing.T) {
	tests := map[string]string{
		"http://localhost:8080":      "ws://localhost:8080/qa/col%201/live",
		"https://forum.example.com/": "wss://forum.example.com/qa/col%201/live",
	}
	for base, want := range tests {
		api := NewAPI(Options{BaseURL: base, Logger: logging.Discard()})
		if got := api.LiveURL("col 1"); got != want {
			t.Fatalf("LiveURL(%s) = %s, want %s", base, got, want)
		}
	}
}

func issueToken(t *testing.T, userID string, roles ...string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte("client-test"), auth.Claims{
		UserID: userID,
		Name:   "Test User",
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "jti_" + userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func boardWithToken(token string) (*Board, *noticeLog) {
	api := NewAPI(Options{BaseURL: "http://127.0.0.1:0", Token: func() string { return token }, Logger: logging.Discard()})
	notices := &noticeLog{}
	board := NewBoard(api, "col_1", notices.add, logging.Discard())
	board.now = func() time.Time { return testNow }
	return board, notices
}

func TestPermissions(t *testing.T) {
	forest := fixtureForest()
	fresh, old := forest[0], forest[1]

	tests := []struct {
		name  string
		token string
		item  qa.Item
		want  rbac.Permissions
	}{
		{"author inside windows", issueToken(t, "usr_2", "member"), fresh, rbac.Permissions{CanEdit: true, CanDelete: true, IsAuthor: true}},
		{"author past windows", issueToken(t, "usr_1", "member"), old, rbac.Permissions{IsAuthor: true}},
		{"someone else", issueToken(t, "usr_1", "member"), fresh, rbac.Permissions{}},
		{"admin", issueToken(t, "usr_9", "admin"), old, rbac.Permissions{CanEdit: true, CanDelete: true, IsAdmin: true}},
		{"signed out", "", fresh, rbac.Permissions{}},
		{"malformed token", "not-a-token", fresh, rbac.Permissions{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			board, notices := boardWithToken(tt.token)
			if got := board.Permissions(tt.item); got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
			if len(notices.all()) != 0 {
				t.Fatal("permission checks must not notify")
			}
		})
	}
}

func TestApplyLiveEvents(t *testing.T) {
	board, _ := boardWithToken("")
	board.forest = fixtureForest()

	question := qa.Item{ID: "qa_7", AuthorID: "usr_3", CreatedAt: testNow, BodyHTML: "<p>New</p>"}
	reply := qa.Item{ID: "qa_8", ParentID: qa.StringPtr("qa_3"), AuthorID: "usr_3", CreatedAt: testNow, BodyHTML: "<p>Nested</p>"}
	edited := qa.Item{ID: "qa_1", AuthorID: "usr_1", CreatedAt: testNow.Add(-time.Hour), BodyHTML: "<p>First, edited</p>"}

	steps := []struct {
		name string
		ev   live.Event
		want bool
	}{
		{"question", live.Event{Type: live.EventCreated, CollaborationID: "col_1", ID: "qa_7", Item: &question}, true},
		{"duplicate question", live.Event{Type: live.EventCreated, CollaborationID: "col_1", ID: "qa_7", Item: &question}, false},
		{"nested reply", live.Event{Type: live.EventCreated, CollaborationID: "col_1", ID: "qa_8", ParentID: reply.ParentID, Item: &reply}, true},
		{"edit", live.Event{Type: live.EventUpdated, CollaborationID: "col_1", ID: "qa_1", Item: &edited}, true},
		{"other discussion", live.Event{Type: live.EventDeleted, CollaborationID: "col_2", ID: "qa_2"}, false},
		{"delete", live.Event{Type: live.EventDeleted, CollaborationID: "col_1", ID: "qa_2"}, true},
		{"delete unknown", live.Event{Type: live.EventDeleted, CollaborationID: "col_1", ID: "qa_404"}, false},
	}
	for _, step := range steps {
		if got := board.Apply(step.ev); got != step.want {
			t.Fatalf("%s: Apply = %v, want %v", step.name, got, step.want)
		}
	}

	forest := board.Forest()
	if got := ids(forest); !reflect.DeepEqual(got, []string{"qa_7", "qa_1"}) {
		t.Fatalf("unexpected roots %v", got)
	}
	first, _ := qa.Find(forest, "qa_1")
	if first.BodyHTML != "<p>First, edited</p>" || len(first.Replies) != 1 {
		t.Fatalf("edit not applied or replies lost: %+v", first)
	}
	nested, ok := qa.Find(forest, "qa_8")
	if !ok || *nested.ParentID != "qa_3" {
		t.Fatal("nested reply missing")
	}
}

func TestFollowAppliesHubEvents(t *testing.T) {
	hub := live.NewHub(logging.Discard(), nil)
	var gotAuth atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("GET /qa/{contextId}/live", func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		hub.Serve(w, r, r.PathValue("contextId"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	api := NewAPI(Options{BaseURL: srv.URL, Token: func() string { return "tok" }, Logger: logging.Discard()})
	board := NewBoard(api, "col_1", nil, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- board.Follow(ctx) }()

	waitFor(t, func() bool { return hub.Subscribers("col_1") == 1 })
	if auth, _ := gotAuth.Load().(string); auth != "Bearer tok" {
		t.Fatalf("unexpected authorization %q", auth)
	}

	item := qa.Item{ID: "qa_5", AuthorID: "usr_1", CreatedAt: testNow, BodyHTML: "<p>Live</p>"}
	hub.Publish(live.Event{Type: live.EventCreated, CollaborationID: "col_1", ID: "qa_5", Item: &item})
	waitFor(t, func() bool { return qa.Contains(board.Forest(), "qa_5") })

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("unexpected follow result %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("follow did not stop")
	}
}

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

func TestDecodeErrorWrapsCause(t *testing.T) {
	err := &DecodeError{Err: errors.New("bad segment")}
	if !strings.Contains(err.Error(), "bad segment") || errors.Unwrap(err) == nil {
		t.Fatalf("unexpected decode error %v", err)
	}
}
