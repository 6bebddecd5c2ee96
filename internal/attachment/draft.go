// Package attachment covers the single file a discussion node may carry: the
// editing draft on the client, and upload policy and object storage on the
// server.
package attachment

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"qaforum/api/internal/qa"
)

// File is a file picked by the user but not yet uploaded.
type File struct {
	Name string
	Open func() (io.ReadCloser, error)
}

func FileFromBytes(name string, data []byte) *File {
	return &File{
		Name: name,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

func FileFromPath(path string) *File {
	return &File{
		Name: filepath.Base(path),
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}
}

type Outcome int

const (
	Keep Outcome = iota
	Replace
	Remove
)

func (o Outcome) String() string {
	switch o {
	case Replace:
		return "replace"
	case Remove:
		return "remove"
	default:
		return "keep"
	}
}

// Draft tracks attachment changes while a node is being edited. A staged file
// and a pending removal are mutually exclusive.
type Draft struct {
	Existing         *qa.Attachment
	Staged           *File
	MarkedForRemoval bool
}

// NewDraft starts a draft for a node that currently carries existing, which
// may be nil.
func NewDraft(existing *qa.Attachment) *Draft {
	return &Draft{Existing: existing}
}

// Stage selects file as the replacement and cancels any pending removal.
func (d *Draft) Stage(file *File) {
	d.Staged = file
	if file != nil {
		d.MarkedForRemoval = false
	}
}

// MarkForRemoval drops the staged file and flags the existing attachment for
// deletion.
func (d *Draft) MarkForRemoval() {
	d.Staged = nil
	d.MarkedForRemoval = true
}

// Reset discards pending changes.
func (d *Draft) Reset() {
	d.Staged = nil
	d.MarkedForRemoval = false
}

func (d *Draft) Outcome() Outcome {
	switch {
	case d.Staged != nil:
		return Replace
	case d.MarkedForRemoval:
		return Remove
	default:
		return Keep
	}
}

// WillHaveAttachment reports whether the node carries a file once the draft
// is submitted.
func (d *Draft) WillHaveAttachment() bool {
	switch d.Outcome() {
	case Replace:
		return true
	case Remove:
		return false
	default:
		return d.Existing != nil
	}
}
