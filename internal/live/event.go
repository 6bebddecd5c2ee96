// Package live pushes discussion changes to connected clients over
// websockets.
package live

import "qaforum/api/internal/qa"

type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
)

// Event describes one change to a discussion. Item is set for created and
// updated events, ID for every event.
type Event struct {
	Type            EventType `json:"type"`
	CollaborationID string    `json:"collaborationId"`
	ID              string    `json:"id"`
	ParentID        *string   `json:"parentId,omitempty"`
	Item            *qa.Item  `json:"item,omitempty"`
}
