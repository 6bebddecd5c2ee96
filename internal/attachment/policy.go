package attachment

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"gopkg.in/yaml.v3"
)

var (
	ErrTooLarge       = errors.New("file size exceeds the limit")
	ErrTypeNotAllowed = errors.New("file type is not allowed")
)

// Limits is the server-side upload policy.
type Limits struct {
	MaxSize      int64
	AllowedTypes []string
	URLExpiry    time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		MaxSize: 10 << 20,
		AllowedTypes: []string{
			"image/jpeg", "image/png", "image/gif", "image/webp",
			"application/pdf", "text/plain", "text/csv",
			"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
			"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
			"application/vnd.openxmlformats-officedocument.presentationml.presentation",
			"application/zip",
			"video/mp4", "audio/mpeg",
		},
		URLExpiry: time.Hour,
	}
}

type limitsFile struct {
	MaxFileSize        int64    `yaml:"max_file_size"`
	AllowedFileTypes   []string `yaml:"allowed_file_types"`
	PresignedURLExpiry int      `yaml:"presigned_url_expiry"`
}

// LoadLimits overrides base with the YAML file at path. A missing file leaves
// base untouched.
func LoadLimits(path string, base Limits) (Limits, error) {
	if strings.TrimSpace(path) == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return base, nil
	}
	if err != nil {
		return base, fmt.Errorf("read upload limits: %w", err)
	}
	var file limitsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return base, fmt.Errorf("parse upload limits: %w", err)
	}
	if file.MaxFileSize > 0 {
		base.MaxSize = file.MaxFileSize
	}
	if len(file.AllowedFileTypes) > 0 {
		base.AllowedTypes = file.AllowedFileTypes
	}
	if file.PresignedURLExpiry > 0 {
		base.URLExpiry = time.Duration(file.PresignedURLExpiry) * time.Second
	}
	return base, nil
}

// Check validates a sniffed content type and size against the policy.
func (l Limits) Check(size int64, contentType string) error {
	if l.MaxSize > 0 && size > l.MaxSize {
		return ErrTooLarge
	}
	incoming := baseMIME(contentType)
	for _, allowed := range l.AllowedTypes {
		if baseMIME(allowed) == incoming {
			return nil
		}
	}
	return ErrTypeNotAllowed
}

// Detect sniffs the content type from the leading bytes of r, ignoring
// whatever the client claimed.
func Detect(r io.Reader) (string, error) {
	mt, err := mimetype.DetectReader(r)
	if err != nil {
		return "", fmt.Errorf("detect content type: %w", err)
	}
	return baseMIME(mt.String()), nil
}

// Kind maps a content type onto the coarse class clients render by.
func Kind(contentType string) string {
	ct := baseMIME(contentType)
	switch {
	case strings.HasPrefix(ct, "image/"):
		return "image"
	case strings.HasPrefix(ct, "video/"):
		return "video"
	case strings.HasPrefix(ct, "audio/"):
		return "audio"
	case ct == "application/pdf",
		strings.HasPrefix(ct, "text/"),
		strings.Contains(ct, "officedocument"),
		strings.Contains(ct, "opendocument"),
		ct == "application/msword":
		return "document"
	default:
		return "file"
	}
}

// SanitizeFilename strips quotes, path separators and control characters.
func SanitizeFilename(name string) string {
	cleaned := strings.NewReplacer(`"`, "", `\`, "", "/", "", "..", "").Replace(name)
	runes := make([]rune, 0, len(cleaned))
	for _, r := range cleaned {
		if r < 32 || r == 127 {
			continue
		}
		runes = append(runes, r)
	}
	s := strings.Join(strings.Fields(string(runes)), " ")
	if s == "" {
		return "file"
	}
	return s
}

func baseMIME(contentType string) string {
	if contentType == "" {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
}
