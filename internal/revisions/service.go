// Package revisions keeps the edit history of each discussion in its own git
// repository. Every node is one JSON file under items/.
package revisions

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

var ErrInvalidID = errors.New("invalid item id")

// Snapshot is the recorded state of one node.
type Snapshot struct {
	ID         string  `json:"id"`
	ParentID   *string `json:"parentId,omitempty"`
	BodyHTML   string  `json:"bodyHtml"`
	Attachment string  `json:"attachment,omitempty"`
}

type Author struct {
	UserID string
	Name   string
}

// Revision is one commit that touched a node, newest first in History.
type Revision struct {
	Hash       string    `json:"hash"`
	Message    string    `json:"message"`
	Author     string    `json:"author"`
	CreatedAt  time.Time `json:"createdAt"`
	BodyHTML   string    `json:"bodyHtml"`
	Attachment string    `json:"attachment,omitempty"`
	Deleted    bool      `json:"deleted"`
}

type Service struct {
	baseDir string
	now     func() time.Time

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Record commits snap for the discussion. It returns the short hash, or ""
// when snap matches what is already recorded.
func (s *Service) Record(collaborationID string, snap Snapshot, author Author, message string) (string, error) {
	path, err := itemPath(snap.ID)
	if err != nil {
		return "", err
	}
	if _, err := itemPath(collaborationID); err != nil {
		return "", err
	}

	lock := s.lock(collaborationID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(collaborationID)
	if err != nil {
		return "", err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	full := filepath.Join(worktree.Filesystem.Root(), path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create items dir: %w", err)
	}
	if err := os.WriteFile(full, append(payload, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if _, err := worktree.Add(path); err != nil {
		return "", fmt.Errorf("git add %s: %w", path, err)
	}
	return s.commit(worktree, author, message)
}

// Remove records the deletion of ids. Ids that were never recorded are
// skipped.
func (s *Service) Remove(collaborationID string, ids []string, author Author, message string) (string, error) {
	if _, err := itemPath(collaborationID); err != nil {
		return "", err
	}

	lock := s.lock(collaborationID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(collaborationID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree: %w", err)
	}

	removed := 0
	for _, id := range ids {
		path, err := itemPath(id)
		if err != nil {
			return "", err
		}
		if _, err := os.Stat(filepath.Join(worktree.Filesystem.Root(), path)); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if _, err := worktree.Remove(path); err != nil {
			return "", fmt.Errorf("git rm %s: %w", path, err)
		}
		removed++
	}
	if removed == 0 {
		return "", nil
	}
	return s.commit(worktree, author, message)
}

// History lists the revisions of one node, newest first. A discussion or node
// without history yields an empty list.
func (s *Service) History(collaborationID, itemID string, limit int) ([]Revision, error) {
	path, err := itemPath(itemID)
	if err != nil {
		return nil, err
	}
	if _, err := itemPath(collaborationID); err != nil {
		return nil, err
	}

	lock := s.lock(collaborationID)
	lock.Lock()
	defer lock.Unlock()

	revisions := []Revision{}
	repo, err := git.PlainOpen(s.repoPath(collaborationID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return revisions, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return revisions, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash(), FileName: &path})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	err = iter.ForEach(func(c *object.Commit) error {
		rev := Revision{
			Hash:      c.Hash.String()[:7],
			Message:   strings.TrimSpace(c.Message),
			Author:    c.Author.Name,
			CreatedAt: c.Author.When,
		}
		snap, found, err := readSnapshot(c, path)
		if err != nil {
			return err
		}
		if found {
			rev.BodyHTML = snap.BodyHTML
			rev.Attachment = snap.Attachment
		} else {
			rev.Deleted = true
		}
		revisions = append(revisions, rev)
		if limit > 0 && len(revisions) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return revisions, nil
}

func (s *Service) openOrInit(collaborationID string) (*git.Repository, error) {
	path := s.repoPath(collaborationID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (s *Service) commit(worktree *git.Worktree, author Author, message string) (string, error) {
	name := strings.TrimSpace(author.Name)
	if name == "" {
		name = "unknown"
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  name,
			Email: sanitizeEmail(author.UserID) + "@users.qaforum.local",
			When:  s.now(),
		},
	})
	if errors.Is(err, git.ErrEmptyCommit) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return hash.String()[:7], nil
}

func (s *Service) repoPath(collaborationID string) string {
	return filepath.Join(s.baseDir, collaborationID)
}

func (s *Service) lock(collaborationID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[collaborationID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[collaborationID] = lock
	}
	return lock
}

func readSnapshot(c *object.Commit, path string) (Snapshot, bool, error) {
	file, err := c.File(path)
	if errors.Is(err, object.ErrFileNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("load %s at %s: %w", path, c.Hash, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("read %s: %w", path, err)
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(contents), &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode %s: %w", path, err)
	}
	return snap, true, nil
}

// itemPath maps an id to its file, rejecting anything that is not a plain
// identifier.
func itemPath(id string) (string, error) {
	if id == "" || len(id) > 128 {
		return "", ErrInvalidID
	}
	for _, r := range id {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
			return "", ErrInvalidID
		}
	}
	return "items/" + id + ".json", nil
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		case r == ' ', r == '-', r == '_':
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
