package store

import "time"

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	Roles                 []string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type Collaboration struct {
	ID        string
	Title     string
	CreatedAt time.Time
}

type Membership struct {
	CollaborationID string
	UserID          string
	Role            string
	JoinedAt        time.Time
}

// StoredAttachment points at an object in attachment storage.
type StoredAttachment struct {
	Key         string
	Name        string
	ContentType string
	Size        int64
}

type QAItem struct {
	ID                string
	CollaborationID   string
	ParentID          *string
	AuthorID          string
	AuthorDisplayName string
	IsOrganizer       bool
	BodyHTML          string
	BodyText          string
	Attachment        *StoredAttachment
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// DeletedItem reports one row removed with a subtree.
type DeletedItem struct {
	ID            string
	AttachmentKey string
}
