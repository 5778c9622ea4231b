package apperr

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Sentinel errors shared by the sync, query and billing surfaces.
var (
	ErrUnauthenticated  = errors.New("authentication required")
	ErrSignatureInvalid = errors.New("invalid webhook signature")
	ErrNotFound         = errors.New("not found")
	ErrUnknownName      = errors.New("unknown name")
	// ErrUpstream marks a failure reported by an external service. The wrapping message is
	// returned to the caller unchanged.
	ErrUpstream = errors.New("upstream service error")
)

// UnauthorizedError reports a principal that is present but denied by the permission rules.
type UnauthorizedError struct {
	Table     string
	Operation string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("not allowed to %s %s", e.Operation, e.Table)
}

// QuotaExceededError is raised by the limit gate. It carries what an upgrade prompt needs.
type QuotaExceededError struct {
	Resource string
	Tier     string
	Current  int
	Max      int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s limit reached for %s plan (%d of %d)", e.Resource, e.Tier, e.Current, e.Max)
}

// InvariantError is a generic failure raised by a shared mutator implementation.
type InvariantError struct {
	Message string
}

func (e *InvariantError) Error() string {
	return e.Message
}

// Invariantf builds an InvariantError with a formatted message.
func Invariantf(format string, args ...any) error {
	return &InvariantError{Message: fmt.Sprintf(format, args...)}
}

// ArgsError reports arguments that failed schema validation or decoding.
type ArgsError struct {
	Name string
	Err  error
}

func (e *ArgsError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.Name, e.Err)
}

func (e *ArgsError) Unwrap() error {
	return e.Err
}

// CooldownError is returned while a per-key cooldown window is still open.
type CooldownError struct {
	RetryAfter time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("try again in %d seconds", e.Seconds())
}

// Seconds rounds the remaining window up so callers never retry too early.
func (e *CooldownError) Seconds() int {
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
