package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"qaforum/api/internal/attachment"
	"qaforum/api/internal/auth"
	"qaforum/api/internal/authpw"
	"qaforum/api/internal/export"
	"qaforum/api/internal/qa"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var fieldErrs validation.Errors
	if errors.As(err, &fieldErrs) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid input", fieldErrs
	}
	var tooBig *http.MaxBytesError
	switch {
	case errors.Is(err, qa.ErrEmptySubmission), errors.Is(err, qa.ErrBodyTooLong):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", capitalize(err.Error()), nil
	case errors.Is(err, attachment.ErrTooLarge), errors.As(err, &tooBig):
		return http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "Attachment is too large", nil
	case errors.Is(err, attachment.ErrTypeNotAllowed):
		return http.StatusUnprocessableEntity, "FILE_TYPE_NOT_ALLOWED", "Attachment type is not allowed", nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity, "UNSUPPORTED_FORMAT", "Export format must be pdf or html", nil
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF export is not available on this server", nil
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, authpw.ErrEmailTaken):
		return http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil
	case errors.Is(err, authpw.ErrInvalidToken):
		return http.StatusBadRequest, "INVALID_TOKEN", "Invalid or expired token", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	if s[0] >= 'a' && s[0] <= 'z' {
		return string(s[0]-'a'+'A') + s[1:]
	}
	return s
}
