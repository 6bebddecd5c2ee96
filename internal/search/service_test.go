package search

import (
	"errors"
	"testing"
)

type fakeSearcher struct {
	results []Result
	total   int
	err     error
	calls   int
	lastQ   Query
}

func (f *fakeSearcher) Search(q Query) ([]Result, int, error) {
	f.calls++
	f.lastQ = q
	return f.results, f.total, f.err
}

func (f *fakeSearcher) Healthy() bool { return true }

func TestServiceFallsBackToPostgres(t *testing.T) {
	fallback := &fakeSearcher{results: []Result{{ID: "qa_1", Snippet: "demo day"}}, total: 1}
	svc := NewService(nil, fallback, nil)

	resp := svc.Search(Query{Text: "  demo  ", CollaborationID: "col_1"})
	if resp.Total != 1 || len(resp.Results) != 1 || resp.Results[0].ID != "qa_1" {
		t.Fatalf("Search() = %+v", resp)
	}
	if fallback.lastQ.Text != "demo" || fallback.lastQ.CollaborationID != "col_1" {
		t.Fatalf("fallback got query %+v", fallback.lastQ)
	}
}

func TestServiceBlankQuerySkipsBackends(t *testing.T) {
	fallback := &fakeSearcher{}
	svc := NewService(nil, fallback, nil)
	resp := svc.Search(Query{Text: "   "})
	if fallback.calls != 0 {
		t.Fatal("blank query should not reach the backend")
	}
	if resp.Results == nil || len(resp.Results) != 0 {
		t.Fatalf("Search() results = %#v, want empty slice", resp.Results)
	}
}

func TestServiceBackendErrorReturnsEmpty(t *testing.T) {
	svc := NewService(nil, &fakeSearcher{err: errors.New("boom")}, nil)
	resp := svc.Search(Query{Text: "pitch"})
	if resp.Total != 0 || resp.Results == nil {
		t.Fatalf("Search() = %+v", resp)
	}
}

func TestQueryBounds(t *testing.T) {
	cases := []struct {
		q          Query
		limit, off int
	}{
		{q: Query{}, limit: 20, off: 0},
		{q: Query{Limit: 5, Offset: 10}, limit: 5, off: 10},
		{q: Query{Limit: 1000, Offset: -3}, limit: 20, off: 0},
	}
	for _, tc := range cases {
		if tc.q.limit() != tc.limit || tc.q.offset() != tc.off {
			t.Errorf("%+v: limit=%d offset=%d", tc.q, tc.q.limit(), tc.q.offset())
		}
	}
}
