package session

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/and161185/livechat/internal/errs"
)

// MinSecretLen is the shortest accepted secret, in characters.
const MinSecretLen = 6

var (
	usernameRe = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,32}$`)
	emailRe    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// FieldError ties a validation failure to the form field that caused it.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string { return e.Field + ": " + e.Err.Error() }

func (e *FieldError) Unwrap() error { return e.Err }

func fieldErr(field string, err error, msg string) error {
	return &FieldError{Field: field, Err: fmt.Errorf("%s: %w", msg, err)}
}

// Registration is the sign-up form.
type Registration struct {
	Username      string
	Email         string
	Secret        string
	SecretConfirm string
	Origin        string
	Color         string
	InviteCode    string
	AcceptedTerms bool
}

// Validate checks the form locally. It never touches the store.
func (r Registration) Validate() error {
	switch u := strings.TrimSpace(r.Username); {
	case u == "":
		return fieldErr("username", errs.ErrInvalidInput, "required")
	case !usernameRe.MatchString(u):
		return fieldErr("username", errs.ErrInvalidInput, "3-32 letters, digits, '_', '.' or '-'")
	}
	switch e := strings.TrimSpace(r.Email); {
	case e == "":
		return fieldErr("email", errs.ErrInvalidInput, "required")
	case !emailRe.MatchString(e):
		return fieldErr("email", errs.ErrInvalidInput, "not an email address")
	}
	if utf8.RuneCountInString(r.Secret) < MinSecretLen {
		return fieldErr("secret", errs.ErrWeakSecret, fmt.Sprintf("at least %d characters", MinSecretLen))
	}
	if r.Secret != r.SecretConfirm {
		return fieldErr("secretConfirm", errs.ErrInvalidInput, "secrets do not match")
	}
	if strings.TrimSpace(r.Origin) == "" {
		return fieldErr("origin", errs.ErrInvalidInput, "required")
	}
	if !r.AcceptedTerms {
		return fieldErr("terms", errs.ErrInvalidInput, "terms must be accepted")
	}
	return nil
}
