package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"qaforum/api/internal/attachment"
	"qaforum/api/internal/auth"
	"qaforum/api/internal/live"
	"qaforum/api/internal/qa"
	"qaforum/api/internal/rbac"
)

// In-flight keys. Per-node actions are keyed by the node id so one slow
// request does not block actions on other nodes.
const (
	KeyLoad = "load"
	KeyAsk  = "ask"
)

func ReplyKey(parentID string) string { return "reply:" + parentID }
func EditKey(id string) string        { return "edit:" + id }
func DeleteKey(id string) string      { return "delete:" + id }

// Submission is a new question or reply.
type Submission struct {
	Text string
	File *attachment.File
}

// Revision is an edit of an existing node. A nil Draft keeps the current
// attachment.
type Revision struct {
	Text  string
	Draft *attachment.Draft
}

// Board holds the forest of one discussion. The forest only changes after the
// server confirms a mutation, so a failed request leaves it as it was.
// Requests are never cancelled once sent; a response that arrives after the
// caller gave up is still applied.
type Board struct {
	api       *API
	contextID string
	notify    func(Notice)
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	forest   qa.Forest
	inFlight map[string]int
}

// NewBoard creates an empty board. notify receives a Notice for every failed
// action and may be nil.
func NewBoard(api *API, contextID string, notify func(Notice), logger *slog.Logger) *Board {
	if notify == nil {
		notify = func(Notice) {}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Board{
		api:       api,
		contextID: contextID,
		notify:    notify,
		logger:    logger.With("component", "board", "collaboration_id", contextID),
		now:       time.Now,
		forest:    qa.Forest{},
		inFlight:  make(map[string]int),
	}
}

// Forest returns a copy of the current forest.
func (b *Board) Forest() qa.Forest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return qa.Clone(b.forest)
}

// InFlight reports whether a request for key is pending.
func (b *Board) InFlight(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inFlight[key] > 0
}

// Load replaces the forest with the server's copy.
func (b *Board) Load(ctx context.Context) (qa.Forest, error) {
	done := b.begin(KeyLoad)
	defer done()

	forest, err := b.api.List(context.WithoutCancel(ctx), b.contextID)
	if err != nil {
		return nil, b.fail("load", err)
	}

	b.mu.Lock()
	b.forest = forest
	b.mu.Unlock()
	return qa.Clone(forest), nil
}

// Ask posts a new question and puts it at the front of the forest.
func (b *Board) Ask(ctx context.Context, sub Submission) (qa.Item, error) {
	if err := qa.ValidateSubmission(sub.Text, sub.File != nil); err != nil {
		return qa.Item{}, b.fail("ask", &ValidationError{Err: err})
	}

	done := b.begin(KeyAsk)
	defer done()

	item, err := b.api.Create(context.WithoutCancel(ctx), PostForm{
		CollaborationID: b.contextID,
		Text:            sub.Text,
		File:            sub.File,
	})
	if err != nil {
		return qa.Item{}, b.fail("ask", err)
	}

	b.mu.Lock()
	if !qa.Contains(b.forest, item.ID) {
		b.forest = qa.InsertQuestion(b.forest, item)
	}
	b.mu.Unlock()
	return item, nil
}

// Reply posts a reply to parentID and appends it to the parent's replies in
// the order responses arrive.
func (b *Board) Reply(ctx context.Context, parentID string, sub Submission) (qa.Item, error) {
	if err := qa.ValidateSubmission(sub.Text, sub.File != nil); err != nil {
		return qa.Item{}, b.fail("reply", &ValidationError{Err: err})
	}

	done := b.begin(ReplyKey(parentID))
	defer done()

	item, err := b.api.Create(context.WithoutCancel(ctx), PostForm{
		CollaborationID: b.contextID,
		ParentID:        parentID,
		Text:            sub.Text,
		File:            sub.File,
	})
	if err != nil {
		return qa.Item{}, b.fail("reply", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if qa.Contains(b.forest, item.ID) {
		return item, nil
	}
	forest, ok := qa.InsertReply(b.forest, parentID, item)
	if !ok {
		b.logger.Warn("reply parent not in forest", "parent_id", parentID, "item_id", item.ID)
		return item, nil
	}
	b.forest = forest
	return item, nil
}

// Edit saves new text and the attachment draft for id. The node keeps its
// replies.
func (b *Board) Edit(ctx context.Context, id string, rev Revision) (qa.Item, error) {
	hasAttachment := b.hasAttachment(id, rev.Draft)
	if err := qa.ValidateSubmission(rev.Text, hasAttachment); err != nil {
		return qa.Item{}, b.fail("edit", &ValidationError{Err: err})
	}

	form := EditForm{CollaborationID: b.contextID, Text: rev.Text}
	if rev.Draft != nil {
		switch rev.Draft.Outcome() {
		case attachment.Replace:
			form.File = rev.Draft.Staged
		case attachment.Remove:
			form.RemoveAttachment = true
		}
	}

	done := b.begin(EditKey(id))
	defer done()

	item, err := b.api.Update(context.WithoutCancel(ctx), id, form)
	if err != nil {
		return qa.Item{}, b.fail("edit", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	forest, ok := qa.UpdateItem(b.forest, item)
	if !ok {
		b.logger.Warn("edited item not in forest", "item_id", id)
		return item, nil
	}
	b.forest = forest
	if updated, found := qa.Find(forest, id); found {
		item = updated
	}
	return item, nil
}

// Delete removes id and its replies once the server confirms.
func (b *Board) Delete(ctx context.Context, id string) error {
	done := b.begin(DeleteKey(id))
	defer done()

	if err := b.api.Delete(context.WithoutCancel(ctx), id); err != nil {
		return b.fail("delete", err)
	}

	b.mu.Lock()
	if forest, ok := qa.DeleteItem(b.forest, id); ok {
		b.forest = forest
	}
	b.mu.Unlock()
	return nil
}

// Identity decodes the current token. An absent or unreadable token yields
// the anonymous identity.
func (b *Board) Identity() auth.Identity {
	token := b.api.token()
	if token == "" {
		return auth.Identity{}
	}
	identity, err := auth.Decode(token)
	if err != nil {
		b.logger.Warn("identity token unreadable", "error", &DecodeError{Err: err})
		return auth.Identity{}
	}
	return identity
}

// Permissions reports what the signed-in user may offer for item. The server
// enforces the same rules on every request.
func (b *Board) Permissions(item qa.Item) rbac.Permissions {
	return item.Permissions(b.Identity().Subject(), b.now())
}

// Apply merges a live event into the forest and reports whether it changed
// anything. Events for nodes the board already reflects are ignored.
func (b *Board) Apply(ev live.Event) bool {
	if ev.CollaborationID != b.contextID {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var (
		forest qa.Forest
		ok     bool
	)
	switch ev.Type {
	case live.EventCreated:
		if ev.Item == nil || qa.Contains(b.forest, ev.Item.ID) {
			return false
		}
		if ev.Item.ParentID == nil {
			forest, ok = qa.InsertQuestion(b.forest, *ev.Item), true
		} else {
			forest, ok = qa.InsertReply(b.forest, *ev.Item.ParentID, *ev.Item)
		}
	case live.EventUpdated:
		if ev.Item == nil {
			return false
		}
		forest, ok = qa.UpdateItem(b.forest, *ev.Item)
	case live.EventDeleted:
		forest, ok = qa.DeleteItem(b.forest, ev.ID)
	}
	if ok {
		b.forest = forest
	}
	return ok
}

// Follow applies live events until ctx is done or the connection drops.
func (b *Board) Follow(ctx context.Context) error {
	err := live.Subscribe(ctx, b.api.LiveURL(b.contextID), b.api.authHeader(), func(ev live.Event) {
		b.Apply(ev)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Warn("live feed closed", "error", err)
	}
	return err
}

func (b *Board) hasAttachment(id string, draft *attachment.Draft) bool {
	if draft != nil {
		return draft.WillHaveAttachment()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	item, ok := qa.Find(b.forest, id)
	return ok && item.Attachment != nil
}

func (b *Board) begin(key string) func() {
	b.mu.Lock()
	b.inFlight[key]++
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.inFlight[key]--; b.inFlight[key] <= 0 {
			delete(b.inFlight, key)
		}
	}
}

func (b *Board) fail(action string, err error) error {
	notice := noticeFor(action, err)
	var valErr *ValidationError
	if !errors.As(err, &valErr) {
		b.logger.Warn(action+" failed", "error", err)
	}
	b.notify(notice)
	return err
}
