package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"qaforum/api/internal/auth"
	"qaforum/api/internal/qa"
	"qaforum/api/internal/store"
)

func issueTestToken(t *testing.T, userID string, roles ...string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		UserID: userID,
		Name:   "User " + userID,
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "jti-" + userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

type formFile struct {
	field, name string
	data        []byte
}

func multipartRequest(t *testing.T, method, target, token string, fields map[string]string, file *formFile) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if file != nil {
		part, err := writer.CreateFormFile(file.field, file.name)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		_, _ = part.Write(file.data)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(method, target, &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func decodeMap(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return payload
}

func TestListItemsEndpoint(t *testing.T) {
	fs := &fakeStore{
		listQAItemsFn: func(_ context.Context, collaborationID string) ([]store.QAItem, error) {
			if collaborationID != "col_1" {
				return nil, nil
			}
			return []store.QAItem{
				{ID: "q1", CollaborationID: "col_1", AuthorID: "usr_1", AuthorDisplayName: "Ada", BodyHTML: "<p>Q</p>", CreatedAt: testNow},
				{ID: "r1", CollaborationID: "col_1", ParentID: qa.StringPtr("q1"), AuthorID: "usr_2", CreatedAt: testNow.Add(time.Minute)},
			}, nil
		},
	}
	server := NewHTTPServer(newTestService(fs), "*")

	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/qa/col_1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var forest []qa.Item
	if err := json.Unmarshal(rr.Body.Bytes(), &forest); err != nil {
		t.Fatalf("parse forest: %v", err)
	}
	if len(forest) != 1 || forest[0].ID != "q1" || len(forest[0].Replies) != 1 || forest[0].Replies[0].ID != "r1" {
		t.Fatalf("unexpected forest %+v", forest)
	}
	if !strings.Contains(rr.Body.String(), `"replies":[]`) {
		t.Fatalf("leaf replies should encode as []: %s", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/qa/col_empty", nil))
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Fatalf("empty discussion: %d %s", rr.Code, rr.Body.String())
	}
}

func TestCreateItemEndpoint(t *testing.T) {
	var inserted store.QAItem
	fs := &fakeStore{
		insertQAItemFn: func(_ context.Context, item store.QAItem) (store.QAItem, error) {
			inserted = item
			item.CreatedAt = testNow
			return item, nil
		},
	}
	server := NewHTTPServer(newTestService(fs), "*")
	token := issueTestToken(t, "usr_1", "member")

	req := multipartRequest(t, http.MethodPost, "/qa", token, map[string]string{
		"text":             "<p>Is parking free?</p>",
		"collaboration_id": "col_1",
	}, nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeMap(t, rr)
	if payload["id"] != inserted.ID || payload["parentId"] != nil {
		t.Fatalf("unexpected payload %v", payload)
	}
	if replies, ok := payload["replies"].([]any); !ok || len(replies) != 0 {
		t.Fatalf("replies = %v, want []", payload["replies"])
	}
	if payload["bodyHtml"] != "<p>Is parking free?</p>" || payload["authorId"] != "usr_1" {
		t.Fatalf("unexpected payload %v", payload)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header")
	}
}

func TestCreateItemEndpointErrors(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}), "*")
	token := issueTestToken(t, "usr_1", "member")

	tests := []struct {
		name   string
		req    *http.Request
		status int
		code   string
	}{
		{
			name:   "no token",
			req:    multipartRequest(t, http.MethodPost, "/qa", "", map[string]string{"text": "hi", "collaboration_id": "col_1"}, nil),
			status: http.StatusUnauthorized,
			code:   "UNAUTHORIZED",
		},
		{
			name:   "bad token",
			req:    multipartRequest(t, http.MethodPost, "/qa", "not-a-token", map[string]string{"text": "hi", "collaboration_id": "col_1"}, nil),
			status: http.StatusUnauthorized,
			code:   "UNAUTHORIZED",
		},
		{
			name:   "empty submission",
			req:    multipartRequest(t, http.MethodPost, "/qa", token, map[string]string{"text": "  ", "collaboration_id": "col_1"}, nil),
			status: http.StatusUnprocessableEntity,
			code:   "VALIDATION_ERROR",
		},
		{
			name:   "missing parent",
			req:    multipartRequest(t, http.MethodPost, "/qa", token, map[string]string{"text": "hi", "collaboration_id": "col_1", "parent_id": "qa_gone"}, nil),
			status: http.StatusNotFound,
			code:   "PARENT_NOT_FOUND",
		},
		{
			name:   "attachment without storage",
			req:    multipartRequest(t, http.MethodPost, "/qa", token, map[string]string{"collaboration_id": "col_1"}, &formFile{field: "attachment", name: "a.png", data: pngBytes}),
			status: http.StatusUnprocessableEntity,
			code:   "ATTACHMENTS_DISABLED",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			server.Handler().ServeHTTP(rr, tt.req)
			if rr.Code != tt.status {
				t.Fatalf("expected status %d, got %d body=%s", tt.status, rr.Code, rr.Body.String())
			}
			payload := decodeMap(t, rr)
			if payload["code"] != tt.code {
				t.Fatalf("code = %v, want %s", payload["code"], tt.code)
			}
			if payload["error"] == "" || payload["error"] != payload["message"] {
				t.Fatalf("error/message = %v/%v", payload["error"], payload["message"])
			}
		})
	}
}

func TestCreateItemEndpointWithAttachment(t *testing.T) {
	objects := newFakeObjects()
	svc := newTestService(&fakeStore{})
	svc.attachments = objects
	server := NewHTTPServer(svc, "*")

	req := multipartRequest(t, http.MethodPost, "/qa", issueTestToken(t, "usr_1", "member"),
		map[string]string{"collaboration_id": "col_1", "text": ""},
		&formFile{field: "attachment", name: "floor plan.png", data: pngBytes})
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	var item qa.Item
	if err := json.Unmarshal(rr.Body.Bytes(), &item); err != nil {
		t.Fatalf("parse item: %v", err)
	}
	if item.Attachment == nil || item.Attachment.Name != "floor plan.png" || item.Attachment.Kind != "image" {
		t.Fatalf("attachment = %+v", item.Attachment)
	}
	if len(objects.puts) != 1 {
		t.Fatalf("stored %d objects, want 1", len(objects.puts))
	}
}

func TestUpdateItemEndpoint(t *testing.T) {
	row := store.QAItem{ID: "qa_1", CollaborationID: "col_1", AuthorID: "usr_1", CreatedAt: time.Now().Add(-time.Minute),
		Attachment: &store.StoredAttachment{Key: "k_old", Name: "old.pdf", ContentType: "application/pdf"}}
	var saved store.QAItem
	objects := newFakeObjects()
	svc := newTestService(&fakeStore{
		getQAItemFn: func(_ context.Context, id string) (store.QAItem, error) {
			if id != row.ID {
				return store.QAItem{}, sql.ErrNoRows
			}
			return row, nil
		},
		updateQAItemFn: func(_ context.Context, item store.QAItem) (store.QAItem, error) {
			saved = item
			return item, nil
		},
	})
	svc.now = time.Now
	svc.attachments = objects
	server := NewHTTPServer(svc, "*")

	req := multipartRequest(t, http.MethodPut, "/qa/qa_1", issueTestToken(t, "usr_1", "member"), map[string]string{
		"text":              "updated",
		"collaboration_id":  "col_1",
		"remove_attachment": "true",
	}, nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeMap(t, rr)
	if _, ok := payload["replies"]; ok {
		t.Fatalf("edit response should carry no replies: %v", payload)
	}
	if _, ok := payload["attachment"]; ok {
		t.Fatalf("attachment should be gone: %v", payload)
	}
	if payload["bodyHtml"] != "updated" || saved.Attachment != nil {
		t.Fatalf("payload=%v saved=%+v", payload, saved)
	}
	if len(objects.removed) != 1 || objects.removed[0] != "k_old" {
		t.Fatalf("removed %v", objects.removed)
	}

	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, multipartRequest(t, http.MethodPut, "/qa/qa_missing", issueTestToken(t, "usr_1", "member"), map[string]string{"text": "x"}, nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestUpdateItemEndpointOutsideWindow(t *testing.T) {
	row := store.QAItem{ID: "qa_1", CollaborationID: "col_1", AuthorID: "usr_1", CreatedAt: time.Now().Add(-10 * time.Minute)}
	svc := newTestService(&fakeStore{
		getQAItemFn: func(context.Context, string) (store.QAItem, error) { return row, nil },
	})
	svc.now = time.Now
	server := NewHTTPServer(svc, "*")

	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, multipartRequest(t, http.MethodPut, "/qa/qa_1", issueTestToken(t, "usr_1", "member"), map[string]string{"text": "late"}, nil))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeMap(t, rr)
	if msg, _ := payload["message"].(string); !strings.Contains(msg, "5 minute") {
		t.Fatalf("message = %q", msg)
	}
}

// Roles come from the user record, so a token claiming admin does not help a
// member.
func TestDeleteItemEndpoint(t *testing.T) {
	row := store.QAItem{ID: "qa_1", CollaborationID: "col_1", AuthorID: "usr_1", CreatedAt: time.Now().Add(-time.Hour)}
	svc := newTestService(&fakeStore{
		getQAItemFn: func(context.Context, string) (store.QAItem, error) { return row, nil },
	})
	svc.now = time.Now
	server := NewHTTPServer(svc, "*")

	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, authed(httptest.NewRequest(http.MethodDelete, "/qa/qa_1", nil), issueTestToken(t, "usr_1", "member")))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("author after window: expected 403, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, authed(httptest.NewRequest(http.MethodDelete, "/qa/qa_1", nil), issueTestToken(t, "usr_admin", "admin")))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("token roles must not grant admin: got %d", rr.Code)
	}
}

func TestDeleteItemEndpointAdmin(t *testing.T) {
	row := store.QAItem{ID: "qa_1", CollaborationID: "col_1", AuthorID: "usr_1", CreatedAt: time.Now().Add(-time.Hour)}
	svc := newTestService(&fakeStore{
		getQAItemFn: func(context.Context, string) (store.QAItem, error) { return row, nil },
		getUserByIDFn: func(_ context.Context, id string) (store.User, error) {
			return store.User{ID: id, DisplayName: "Admin", Roles: []string{"admin"}}, nil
		},
	})
	svc.now = time.Now
	server := NewHTTPServer(svc, "*")

	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, authed(httptest.NewRequest(http.MethodDelete, "/qa/qa_1", nil), issueTestToken(t, "usr_admin", "admin")))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload := decodeMap(t, rr); payload["ok"] != true {
		t.Fatalf("payload = %v", payload)
	}
}

func TestSearchEndpointWithoutBackend(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}), "*")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/qa/col_1/search?q=parking", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	payload := decodeMap(t, rr)
	if payload["query"] != "parking" {
		t.Fatalf("payload = %v", payload)
	}
	if results, ok := payload["results"].([]any); !ok || len(results) != 0 {
		t.Fatalf("results = %v", payload["results"])
	}
}

func TestCORSPreflight(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}), "https://app.example.com")
	req := httptest.NewRequest(http.MethodOptions, "/qa/qa_1", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPut)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("Access-Control-Allow-Origin = %q", got)
	}
}

func authed(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}
