package qa

import (
	"errors"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"qaforum/api/internal/sanitizer"
)

// MaxBodyLength bounds the raw body, markup included, in runes.
const MaxBodyLength = 20000

var (
	ErrEmptySubmission = errors.New("write something or attach a file")
	ErrBodyTooLong     = errors.New("body is too long")
)

// ValidateSubmission rejects a post or edit that would leave the node with
// no visible text and no attachment, or whose body exceeds MaxBodyLength.
func ValidateSubmission(body string, hasAttachment bool) error {
	text := sanitizer.PlainText(body)
	if err := validation.Validate(strings.TrimSpace(text),
		validation.When(!hasAttachment, validation.Required.Error(ErrEmptySubmission.Error())),
	); err != nil {
		return ErrEmptySubmission
	}
	if err := validation.Validate(body, validation.RuneLength(0, MaxBodyLength)); err != nil {
		return ErrBodyTooLong
	}
	return nil
}
