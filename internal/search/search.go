package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID                string `json:"id"`
	CollaborationID   string `json:"collaborationId"`
	ParentID          string `json:"parentId,omitempty"`
	AuthorDisplayName string `json:"authorDisplayName"`
	Snippet           string `json:"snippet"`
}

// Query describes a search request scoped to one collaboration.
type Query struct {
	Text            string
	CollaborationID string
	Limit           int
	Offset          int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Record is what we index for a question or reply.
type Record struct {
	ID                string `json:"id"`
	CollaborationID   string `json:"collaborationId"`
	ParentID          string `json:"parentId"`
	AuthorDisplayName string `json:"authorDisplayName"`
	Body              string `json:"body"`
	CreatedAt         int64  `json:"createdAt"`
}

func (q Query) limit() int {
	if q.Limit <= 0 || q.Limit > 100 {
		return 20
	}
	return q.Limit
}

func (q Query) offset() int {
	if q.Offset < 0 {
		return 0
	}
	return q.Offset
}
