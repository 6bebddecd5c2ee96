package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"qaforum/api/internal/attachment"
	"qaforum/api/internal/auth"
	"qaforum/api/internal/authpw"
	"qaforum/api/internal/config"
	"qaforum/api/internal/email"
	"qaforum/api/internal/export"
	"qaforum/api/internal/live"
	"qaforum/api/internal/logging"
	"qaforum/api/internal/qa"
	"qaforum/api/internal/rbac"
	"qaforum/api/internal/revisions"
	"qaforum/api/internal/sanitizer"
	"qaforum/api/internal/search"
	"qaforum/api/internal/store"
	"qaforum/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Roles        []string
	JTI          string
	ExpiresAt    time.Time
}

func (s Session) Subject() rbac.Subject {
	return rbac.Subject{UserID: s.UserID, Roles: s.Roles}
}

// Upload is a file received with a post or an edit. Content is read twice:
// once to sniff the type and once to store it.
type Upload struct {
	Name    string
	Size    int64
	Content io.ReadSeeker
}

type CreateItemInput struct {
	CollaborationID string
	ParentID        string
	Text            string
	Upload          *Upload
}

type UpdateItemInput struct {
	CollaborationID  string
	Text             string
	Upload           *Upload
	RemoveAttachment bool
}

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	GetCollaboration(context.Context, string) (store.Collaboration, error)
	IsOrganizer(context.Context, string, string) (bool, error)
	ListQAItems(context.Context, string) ([]store.QAItem, error)
	GetQAItem(context.Context, string) (store.QAItem, error)
	InsertQAItem(context.Context, store.QAItem) (store.QAItem, error)
	UpdateQAItem(context.Context, store.QAItem) (store.QAItem, error)
	DeleteQAItemTree(context.Context, string) ([]store.DeletedItem, error)
	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
}

type mailer interface {
	IsConfigured() bool
	SendReplyNotification(to string, data email.ReplyData) error
	SendVerificationEmail(to, userName, verificationURL string) error
	SendPasswordResetEmail(to, userName, resetURL string) error
}

// Deps are the collaborators of a Service. Attachments, Search, Hub, Mailer,
// Export and Revisions are optional.
type Deps struct {
	Store       dataStore
	Sessions    sessionStore
	Attachments attachment.Store
	Limits      attachment.Limits
	Search      *search.Service
	Hub         *live.Hub
	Mailer      mailer
	Auth        *authpw.Service
	Export      *export.Service
	Revisions   *revisions.Service
	Logger      *slog.Logger
}

type Service struct {
	cfg         config.Config
	store       dataStore
	sessions    sessionStore
	attachments attachment.Store
	limits      attachment.Limits
	search      *search.Service
	hub         *live.Hub
	mailer      mailer
	authpw      *authpw.Service
	export      *export.Service
	revisions   *revisions.Service
	logger      *slog.Logger
	now         func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sessions := deps.Sessions
	if sessions == nil {
		if s, ok := deps.Store.(sessionStore); ok {
			sessions = s
		}
	}
	return &Service{
		cfg:         cfg,
		store:       deps.Store,
		sessions:    sessions,
		attachments: deps.Attachments,
		limits:      deps.Limits,
		search:      deps.Search,
		hub:         deps.Hub,
		mailer:      deps.Mailer,
		authpw:      deps.Auth,
		export:      deps.Export,
		revisions:   deps.Revisions,
		logger:      logger,
		now:         time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

func (s *Service) SMTPConfigured() bool {
	return s.mailer != nil && s.mailer.IsConfigured()
}

func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// Session stores only know the user id.
	user, err = s.store.GetUserByID(ctx, user.ID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")
	roles := rolesOf(user)

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		UserID: user.ID,
		Name:   user.DisplayName,
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, fmt.Errorf("save refresh session: %w", err)
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Roles:        roles,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	session := Session{
		Token:    token,
		UserID:   user.ID,
		UserName: user.DisplayName,
		Roles:    rolesOf(user),
		JTI:      claims.ID,
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

// ListItems returns the discussion of one collaboration as a forest. An
// unknown or empty collaboration yields an empty forest.
func (s *Service) ListItems(ctx context.Context, collaborationID string) (qa.Forest, error) {
	rows, err := s.store.ListQAItems(ctx, collaborationID)
	if err != nil {
		return nil, fmt.Errorf("list qa items: %w", err)
	}
	items := make([]qa.Item, 0, len(rows))
	for _, row := range rows {
		items = append(items, s.toItem(ctx, row))
	}
	return qa.BuildForest(items), nil
}

func (s *Service) CreateItem(ctx context.Context, session Session, input CreateItemInput) (qa.Item, error) {
	if !rbac.CanAny(session.Roles, rbac.ActionPost) {
		return qa.Item{}, domainError(http.StatusForbidden, "FORBIDDEN", "You are not allowed to post", nil)
	}
	input.CollaborationID = strings.TrimSpace(input.CollaborationID)
	input.ParentID = strings.TrimSpace(input.ParentID)
	if input.CollaborationID == "" {
		return qa.Item{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "collaboration_id is required", nil)
	}
	if err := qa.ValidateSubmission(input.Text, input.Upload != nil); err != nil {
		return qa.Item{}, err
	}
	ctx = logging.WithFields(ctx, logging.Fields{UserID: session.UserID, CollaborationID: input.CollaborationID})

	if _, err := s.store.GetCollaboration(ctx, input.CollaborationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return qa.Item{}, domainError(http.StatusNotFound, "COLLABORATION_NOT_FOUND", "Collaboration not found", nil)
		}
		return qa.Item{}, err
	}

	var parent *store.QAItem
	if input.ParentID != "" {
		row, err := s.store.GetQAItem(ctx, input.ParentID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return qa.Item{}, err
		}
		if err != nil || row.CollaborationID != input.CollaborationID {
			return qa.Item{}, domainError(http.StatusNotFound, "PARENT_NOT_FOUND", "The item you replied to no longer exists", nil)
		}
		parent = &row
	}

	organizer, err := s.store.IsOrganizer(ctx, input.CollaborationID, session.UserID)
	if err != nil {
		return qa.Item{}, fmt.Errorf("check organizer: %w", err)
	}

	stored, err := s.storeUpload(ctx, input.CollaborationID, input.Upload)
	if err != nil {
		return qa.Item{}, err
	}

	row := store.QAItem{
		ID:                util.NewID("qa"),
		CollaborationID:   input.CollaborationID,
		AuthorID:          session.UserID,
		AuthorDisplayName: session.UserName,
		IsOrganizer:       organizer,
		BodyHTML:          sanitizer.HTML(input.Text),
		BodyText:          sanitizer.PlainText(input.Text),
		Attachment:        stored,
	}
	if parent != nil {
		row.ParentID = qa.StringPtr(parent.ID)
	}
	row, err = s.store.InsertQAItem(ctx, row)
	if err != nil {
		s.removeObject(ctx, stored)
		return qa.Item{}, fmt.Errorf("insert qa item: %w", err)
	}

	item := s.toItem(ctx, row)
	item.Replies = []qa.Item{}
	s.hub.Publish(live.Event{Type: live.EventCreated, CollaborationID: row.CollaborationID, ID: item.ID, ParentID: item.ParentID, Item: &item})
	s.index(row)
	s.recordRevision(ctx, session, row, "create")
	if parent != nil && parent.AuthorID != session.UserID {
		go s.notifyReply(context.WithoutCancel(ctx), *parent, row)
	}
	s.logger.InfoContext(ctx, "qa item created", "id", row.ID, "reply", parent != nil)
	return item, nil
}

// UpdateItem replaces the body and, depending on input, the attachment of an
// existing item. A new upload wins over RemoveAttachment. The returned item
// carries no replies.
func (s *Service) UpdateItem(ctx context.Context, session Session, id string, input UpdateItemInput) (qa.Item, error) {
	row, err := s.store.GetQAItem(ctx, id)
	if err != nil {
		return qa.Item{}, err
	}
	if input.CollaborationID != "" && input.CollaborationID != row.CollaborationID {
		return qa.Item{}, sql.ErrNoRows
	}
	ctx = logging.WithFields(ctx, logging.Fields{UserID: session.UserID, CollaborationID: row.CollaborationID})

	perms := rbac.ComputePermissions(row.AuthorID, row.CreatedAt, session.Subject(), s.now())
	if !perms.CanEdit {
		return qa.Item{}, denied(perms, "edit", rbac.EditWindow)
	}

	willHave := input.Upload != nil || (row.Attachment != nil && !input.RemoveAttachment)
	if err := qa.ValidateSubmission(input.Text, willHave); err != nil {
		return qa.Item{}, err
	}

	previous := row.Attachment
	switch {
	case input.Upload != nil:
		stored, err := s.storeUpload(ctx, row.CollaborationID, input.Upload)
		if err != nil {
			return qa.Item{}, err
		}
		row.Attachment = stored
	case input.RemoveAttachment:
		row.Attachment = nil
	}
	row.BodyHTML = sanitizer.HTML(input.Text)
	row.BodyText = sanitizer.PlainText(input.Text)

	updated, err := s.store.UpdateQAItem(ctx, row)
	if err != nil {
		if input.Upload != nil {
			s.removeObject(ctx, row.Attachment)
		}
		return qa.Item{}, fmt.Errorf("update qa item: %w", err)
	}
	if previous != nil && attachmentKey(updated.Attachment) != previous.Key {
		s.removeObject(ctx, previous)
	}

	item := s.toItem(ctx, updated)
	item.Replies = nil
	s.hub.Publish(live.Event{Type: live.EventUpdated, CollaborationID: updated.CollaborationID, ID: item.ID, ParentID: item.ParentID, Item: &item})
	s.index(updated)
	s.recordRevision(ctx, session, updated, "edit")
	s.logger.InfoContext(ctx, "qa item updated", "id", updated.ID, "attachment", updated.Attachment != nil)
	return item, nil
}

// DeleteItem removes an item with its whole subtree.
func (s *Service) DeleteItem(ctx context.Context, session Session, id string) error {
	row, err := s.store.GetQAItem(ctx, id)
	if err != nil {
		return err
	}
	ctx = logging.WithFields(ctx, logging.Fields{UserID: session.UserID, CollaborationID: row.CollaborationID})

	perms := rbac.ComputePermissions(row.AuthorID, row.CreatedAt, session.Subject(), s.now())
	if !perms.CanDelete {
		return denied(perms, "delete", rbac.DeleteWindow)
	}

	deleted, err := s.store.DeleteQAItemTree(ctx, id)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(deleted))
	for _, d := range deleted {
		ids = append(ids, d.ID)
		if d.AttachmentKey != "" {
			s.removeObject(ctx, &store.StoredAttachment{Key: d.AttachmentKey})
		}
	}
	if s.search != nil {
		s.search.Delete(ids...)
	}
	s.hub.Publish(live.Event{Type: live.EventDeleted, CollaborationID: row.CollaborationID, ID: row.ID, ParentID: row.ParentID})
	s.forgetRevisions(ctx, session, row.CollaborationID, row.ID, ids)
	s.logger.InfoContext(ctx, "qa item deleted", "id", row.ID, "removed", len(deleted))
	return nil
}

func (s *Service) Search(ctx context.Context, collaborationID, text string, limit, offset int) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: strings.TrimSpace(text)}
	}
	return s.search.Search(search.Query{Text: text, CollaborationID: collaborationID, Limit: limit, Offset: offset})
}

func (s *Service) ServeLive(w http.ResponseWriter, r *http.Request, collaborationID string) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "LIVE_UNAVAILABLE", "Live updates are not enabled", nil)
		return
	}
	s.hub.Serve(w, r, collaborationID)
}

// ItemHistory lists the recorded revisions of an item. Only its author and
// admins may read them.
func (s *Service) ItemHistory(ctx context.Context, session Session, id string) ([]revisions.Revision, error) {
	if s.revisions == nil {
		return nil, domainError(http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "Edit history is not enabled", nil)
	}
	row, err := s.store.GetQAItem(ctx, id)
	if err != nil {
		return nil, err
	}
	perms := rbac.ComputePermissions(row.AuthorID, row.CreatedAt, session.Subject(), s.now())
	if !perms.IsAuthor && !perms.IsAdmin {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the author or an admin can view the history", nil)
	}
	return s.revisions.History(row.CollaborationID, row.ID, 50)
}

// ExportDiscussion renders the whole discussion of a collaboration as a
// transcript in the requested format.
func (s *Service) ExportDiscussion(ctx context.Context, session Session, collaborationID, format string) (*export.Result, error) {
	if s.export == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not enabled", nil)
	}
	parsed, err := export.ParseFormat(strings.ToLower(strings.TrimSpace(format)))
	if err != nil {
		return nil, err
	}
	ctx = logging.WithFields(ctx, logging.Fields{UserID: session.UserID, CollaborationID: collaborationID})

	collaboration, err := s.store.GetCollaboration(ctx, collaborationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "COLLABORATION_NOT_FOUND", "Collaboration not found", nil)
		}
		return nil, err
	}
	forest, err := s.ListItems(ctx, collaborationID)
	if err != nil {
		return nil, err
	}
	result, err := s.export.Export(ctx, export.Request{
		Title:       collaboration.Title,
		Forest:      forest,
		Format:      parsed,
		GeneratedAt: s.now(),
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "discussion exported", "format", parsed, "items", qa.Len(forest))
	return result, nil
}

func (s *Service) recordRevision(ctx context.Context, session Session, row store.QAItem, verb string) {
	if s.revisions == nil {
		return
	}
	snap := revisions.Snapshot{ID: row.ID, ParentID: row.ParentID, BodyHTML: row.BodyHTML}
	if row.Attachment != nil {
		snap.Attachment = row.Attachment.Name
	}
	author := revisions.Author{UserID: session.UserID, Name: session.UserName}
	if _, err := s.revisions.Record(row.CollaborationID, snap, author, verb+" "+row.ID); err != nil {
		s.logger.WarnContext(ctx, "record revision", "id", row.ID, "error", err)
	}
}

func (s *Service) forgetRevisions(ctx context.Context, session Session, collaborationID, rootID string, ids []string) {
	if s.revisions == nil || len(ids) == 0 {
		return
	}
	author := revisions.Author{UserID: session.UserID, Name: session.UserName}
	if _, err := s.revisions.Remove(collaborationID, ids, author, "delete "+rootID); err != nil {
		s.logger.WarnContext(ctx, "record deletion", "id", rootID, "error", err)
	}
}

func denied(perms rbac.Permissions, verb string, window time.Duration) *DomainError {
	if !perms.IsAuthor {
		return domainError(http.StatusForbidden, "FORBIDDEN", fmt.Sprintf("You can only %s your own posts", verb), nil)
	}
	return domainError(http.StatusForbidden, "WINDOW_CLOSED",
		fmt.Sprintf("The %d minute window to %s this post has passed", int(window.Minutes()), verb), nil)
}

func rolesOf(user store.User) []string {
	if len(user.Roles) == 0 {
		return []string{string(rbac.RoleMember)}
	}
	return user.Roles
}

func attachmentKey(a *store.StoredAttachment) string {
	if a == nil {
		return ""
	}
	return a.Key
}

func (s *Service) storeUpload(ctx context.Context, collaborationID string, upload *Upload) (*store.StoredAttachment, error) {
	if upload == nil {
		return nil, nil
	}
	if s.attachments == nil {
		return nil, domainError(http.StatusUnprocessableEntity, "ATTACHMENTS_DISABLED", "Attachments are not enabled", nil)
	}
	if s.limits.MaxSize > 0 && upload.Size > s.limits.MaxSize {
		return nil, attachment.ErrTooLarge
	}
	contentType, err := attachment.Detect(upload.Content)
	if err != nil {
		return nil, err
	}
	if _, err := upload.Content.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind upload: %w", err)
	}
	if err := s.limits.Check(upload.Size, contentType); err != nil {
		return nil, err
	}

	name := attachment.SanitizeFilename(upload.Name)
	key := fmt.Sprintf("%s/%s/%s", collaborationID, util.NewID("att"), name)
	if err := s.attachments.Put(ctx, key, upload.Content, upload.Size, contentType); err != nil {
		return nil, fmt.Errorf("store attachment: %w", err)
	}
	return &store.StoredAttachment{Key: key, Name: name, ContentType: contentType, Size: upload.Size}, nil
}

func (s *Service) removeObject(ctx context.Context, stored *store.StoredAttachment) {
	if stored == nil || stored.Key == "" || s.attachments == nil {
		return
	}
	if err := s.attachments.Remove(ctx, stored.Key); err != nil {
		s.logger.WarnContext(ctx, "remove attachment", "key", stored.Key, "error", err)
	}
}

func (s *Service) toItem(ctx context.Context, row store.QAItem) qa.Item {
	item := qa.Item{
		ID:                row.ID,
		ParentID:          row.ParentID,
		AuthorID:          row.AuthorID,
		AuthorDisplayName: row.AuthorDisplayName,
		IsOrganizer:       row.IsOrganizer,
		CreatedAt:         row.CreatedAt.UTC(),
		BodyHTML:          row.BodyHTML,
	}
	if row.Attachment != nil {
		att := &qa.Attachment{Name: row.Attachment.Name, Kind: attachment.Kind(row.Attachment.ContentType)}
		if s.attachments != nil {
			url, err := s.attachments.URL(ctx, row.Attachment.Key, row.Attachment.Name)
			if err != nil {
				s.logger.WarnContext(ctx, "presign attachment", "key", row.Attachment.Key, "error", err)
			}
			att.URL = url
		}
		item.Attachment = att
	}
	return item
}

func (s *Service) index(row store.QAItem) {
	if s.search == nil {
		return
	}
	record := search.Record{
		ID:                row.ID,
		CollaborationID:   row.CollaborationID,
		AuthorDisplayName: row.AuthorDisplayName,
		Body:              row.BodyText,
		CreatedAt:         row.CreatedAt.Unix(),
	}
	if row.ParentID != nil {
		record.ParentID = *row.ParentID
	}
	s.search.Index(record)
}

func (s *Service) notifyReply(ctx context.Context, parent, reply store.QAItem) {
	if !s.SMTPConfigured() {
		return
	}
	recipient, err := s.store.GetUserByID(ctx, parent.AuthorID)
	if err != nil || recipient.Email == "" {
		s.logger.WarnContext(ctx, "reply notification skipped", "parent_id", parent.ID, "error", err)
		return
	}
	err = s.mailer.SendReplyNotification(recipient.Email, email.ReplyData{
		RecipientName: recipient.DisplayName,
		ReplierName:   reply.AuthorDisplayName,
		Excerpt:       excerpt(reply.BodyText, 200),
		ThreadURL:     fmt.Sprintf("%s/collaborations/%s#qa_%s", s.cfg.PublicURL, reply.CollaborationID, reply.ID),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "send reply notification", "parent_id", parent.ID, "error", err)
	}
}

func excerpt(text string, limit int) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= limit {
		return string(runes)
	}
	return strings.TrimSpace(string(runes[:limit])) + "…"
}
