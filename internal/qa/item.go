// Package qa models a discussion as a forest of questions and nested replies
// and provides the pure operations that evolve it.
package qa

import (
	"time"

	"qaforum/api/internal/rbac"
)

// Attachment is the single file a node may carry. Kind is a coarse media
// class ("image", "video", "audio", "document", "file") used for rendering.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Kind string `json:"kind"`
}

// Item is one node of the discussion: a question when ParentID is nil, a
// reply otherwise.
type Item struct {
	ID                string      `json:"id"`
	ParentID          *string     `json:"parentId"`
	AuthorID          string      `json:"authorId"`
	AuthorDisplayName string      `json:"authorDisplayName"`
	IsOrganizer       bool        `json:"isOrganizer"`
	CreatedAt         time.Time   `json:"createdAt"`
	BodyHTML          string      `json:"bodyHtml"`
	Attachment        *Attachment `json:"attachment,omitempty"`
	Replies           []Item      `json:"replies"`
}

// IsQuestion reports whether the item sits at the root of the forest.
func (i Item) IsQuestion() bool {
	return i.ParentID == nil
}

// Permissions returns what subject may do with the item at now.
func (i Item) Permissions(subject rbac.Subject, now time.Time) rbac.Permissions {
	return rbac.ComputePermissions(i.AuthorID, i.CreatedAt, subject, now)
}

// Forest holds the questions of one discussion, newest first.
type Forest []Item

// StringPtr is a convenience for building ParentID values.
func StringPtr(s string) *string {
	return &s
}
