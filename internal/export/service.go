package export

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Service turns a discussion forest into a downloadable transcript.
type Service struct {
	printPDF func(ctx context.Context, html []byte) ([]byte, error)
	now      func() time.Time
}

func NewService() *Service {
	return &Service{printPDF: printPDF, now: time.Now}
}

func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	if req.GeneratedAt.IsZero() {
		req.GeneratedAt = s.now()
	}
	if strings.TrimSpace(req.Title) == "" {
		req.Title = "Q&A"
	}

	html, err := renderTranscript(req)
	if err != nil {
		return nil, fmt.Errorf("render transcript: %w", err)
	}

	name := filename(req.Title)
	switch req.Format {
	case FormatHTML:
		return &Result{Data: html, Filename: name + ".html", MimeType: "text/html; charset=utf-8"}, nil
	case FormatPDF:
		pdf, err := s.printPDF(ctx, html)
		if err != nil {
			return nil, err
		}
		return &Result{Data: pdf, Filename: name + ".pdf", MimeType: "application/pdf"}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}

// filename keeps letters, digits, hyphens and underscores, turns spaces into
// hyphens and caps the result at 50 bytes.
func filename(title string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('-')
		}
		if b.Len() >= 50 {
			break
		}
	}
	if b.Len() == 0 {
		return "discussion"
	}
	return b.String()
}
