// Package export renders a discussion as a standalone transcript.
package export

import (
	"errors"
	"time"

	"qaforum/api/internal/qa"
)

type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

// ParseFormat accepts "html" and "pdf"; an empty value means PDF.
func ParseFormat(raw string) (Format, error) {
	switch Format(raw) {
	case "", FormatPDF:
		return FormatPDF, nil
	case FormatHTML:
		return FormatHTML, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

type Request struct {
	Title       string
	Forest      qa.Forest
	Format      Format
	GeneratedAt time.Time
}

type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrPDFDependencyMissing means no headless browser is installed.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
