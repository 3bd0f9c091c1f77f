package apperrors

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrValidation       = errors.New("validation failed")
	ErrForbidden        = errors.New("forbidden")
	ErrTransient        = errors.New("transient infrastructure failure")
	ErrGenerationFailed = errors.New("evidence generation failed")
	ErrChainHeadMoved   = errors.New("ledger head moved")
)

const (
	// MaxCodeLength bounds error codes persisted on evidence packs.
	MaxCodeLength = 64
	// MaxMessageLength bounds error messages persisted on evidence packs.
	MaxMessageLength = 512
)

var codeCleaner = regexp.MustCompile(`[^A-Z0-9_]+`)

// Coded is an error carrying a bounded, machine-readable code.
// Kind is one of the sentinel errors above and drives errors.Is matching.
type Coded struct {
	Code    string
	Message string
	Kind    error
	Err     error
}

func (e *Coded) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Coded) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// IsRetryable reports whether the failure is transient.
func (e *Coded) IsRetryable() bool {
	return errors.Is(e.Kind, ErrTransient)
}

// NewCoded builds a Coded error, normalising the code and truncating the message.
func NewCoded(kind error, code, message string, err error) *Coded {
	return &Coded{
		Code:    NormalizeCode(code),
		Message: TruncateMessage(message),
		Kind:    kind,
		Err:     err,
	}
}

// Validation returns a validation error with the given code.
func Validation(code, message string) error {
	return NewCoded(ErrValidation, code, message, nil)
}

// Forbidden returns an access error with the given code.
func Forbidden(code, message string) error {
	return NewCoded(ErrForbidden, code, message, nil)
}

// Transient wraps an infrastructure failure that callers may retry.
func Transient(code, message string, err error) error {
	return NewCoded(ErrTransient, code, message, err)
}

// NormalizeCode upper-cases the code, replaces anything outside [A-Z0-9_]
// with an underscore and caps the length.
func NormalizeCode(code string) string {
	c := codeCleaner.ReplaceAllString(strings.ToUpper(strings.TrimSpace(code)), "_")
	c = strings.Trim(c, "_")
	if c == "" {
		c = "UNKNOWN"
	}
	if len(c) > MaxCodeLength {
		c = c[:MaxCodeLength]
	}
	return c
}

// TruncateMessage caps a message at MaxMessageLength bytes without splitting a rune.
func TruncateMessage(msg string) string {
	if len(msg) <= MaxMessageLength {
		return msg
	}
	cut := MaxMessageLength
	for cut > 0 && !isRuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// CodeOf returns the code of the first Coded error in the chain, or fallback.
func CodeOf(err error, fallback string) string {
	var coded *Coded
	if errors.As(err, &coded) {
		return coded.Code
	}
	return NormalizeCode(fallback)
}
