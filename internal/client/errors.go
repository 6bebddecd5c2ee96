package client

import (
	"errors"
	"fmt"
	"net/http"
	"unicode"
	"unicode/utf8"
)

// NetworkError means no HTTP response came back.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError rejects a submission before any request is made.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return e.Err.Error() }

func (e *ValidationError) Unwrap() error { return e.Err }

// AuthorizationError is a 401 or 403 from the server.
type AuthorizationError struct {
	Status int
	Reason string
}

func (e *AuthorizationError) Error() string {
	if e.Reason == "" {
		return http.StatusText(e.Status)
	}
	return e.Reason
}

// RequestError is any other non-2xx response, or a 2xx body that could not
// be read.
type RequestError struct {
	Status int
	Reason string
	Err    error
}

func (e *RequestError) Error() string {
	switch {
	case e.Reason != "":
		return e.Reason
	case e.Err != nil:
		return e.Err.Error()
	default:
		return http.StatusText(e.Status)
	}
}

func (e *RequestError) Unwrap() error { return e.Err }

// DecodeError means the identity token could not be read. It is logged and
// never shown.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "decode identity token: " + e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }

type NoticeKind string

const (
	// NoticeInline belongs next to the form that was submitted.
	NoticeInline NoticeKind = "inline"
	// NoticeRetry suggests trying again later.
	NoticeRetry NoticeKind = "retry"
	// NoticeDismissable is a plain notification the user closes.
	NoticeDismissable NoticeKind = "dismissable"
)

// Notice is what a failed action reports to the user.
type Notice struct {
	Kind    NoticeKind
	Action  string
	Message string
	Err     error
}

const networkMessage = "Could not reach the server. Check your connection and try again."

var fallbackMessages = map[string]string{
	"load":   "Could not load the discussion.",
	"ask":    "Could not post your question.",
	"reply":  "Could not post your reply.",
	"edit":   "Could not save your changes.",
	"delete": "Could not delete this post.",
}

func noticeFor(action string, err error) Notice {
	notice := Notice{Kind: NoticeDismissable, Action: action, Message: fallbackMessages[action], Err: err}

	var (
		netErr   *NetworkError
		valErr   *ValidationError
		authzErr *AuthorizationError
		reqErr   *RequestError
	)
	switch {
	case errors.As(err, &valErr):
		notice.Kind = NoticeInline
		notice.Message = capitalize(valErr.Error())
	case errors.As(err, &netErr):
		notice.Kind = NoticeRetry
		notice.Message = networkMessage
	case errors.As(err, &authzErr):
		if authzErr.Reason != "" {
			notice.Message = authzErr.Reason
		}
	case errors.As(err, &reqErr):
		if reqErr.Reason != "" {
			notice.Message = reqErr.Reason
		}
	}
	return notice
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
