package trawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind partitions failures by how callers should react to them. Retryability
// is a property of the kind, not of individual call sites.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindNetwork       Kind = "network"
	KindTimeout       Kind = "timeout"
	KindExtraction    Kind = "extraction"
	KindConfiguration Kind = "configuration"
	KindResource      Kind = "resource"
	KindRateLimit     Kind = "rate_limit"
)

// Retryable reports whether failures of this kind are worth retrying.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindResource, KindRateLimit:
		return true
	default:
		return false
	}
}

// Error is the structured error carried across subsystem boundaries.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with an operation name and a kind.
func E(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Errorf builds a new Error from a format string.
func Errorf(op string, kind Kind, format string, args ...any) *Error {
	return &Error{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the failure kind from err. Errors with no embedded kind are
// classified from well-known stdlib shapes, then by message as a last resort.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) && te.Kind != "" {
		return te.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindValidation
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	return ClassifyMessage(err.Error())
}

// Retryable reports whether err is worth retrying.
func Retryable(err error) bool {
	return KindOf(err).Retryable()
}

// networkPatterns are lowercase substrings that mark an opaque error message
// as transport-level. The list is intentionally the single place such
// patterns live; fetch backends that can classify their own failures set
// FailureKind instead and never reach this code.
var networkPatterns = []string{
	"timeout",
	"timed out",
	"connection",
	"network",
	"dns",
	"ssl",
	"tls",
	"temporary",
	"reset by peer",
	"broken pipe",
	"net::err",
	"503",
	"502",
	"504",
}

var redirectPatterns = []string{
	"too many redirects",
	"redirect loop",
	"maximum redirect",
	"err_too_many_redirects",
}

// ClassifyMessage maps an opaque error message to a failure kind. Unmatched
// messages are treated as extraction failures (non-retryable), matching how
// post-fetch processing errors present.
func ClassifyMessage(msg string) Kind {
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "rate limit") || strings.Contains(lower, "429") {
		return KindRateLimit
	}
	for _, p := range networkPatterns {
		if strings.Contains(lower, p) {
			if strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out") {
				return KindTimeout
			}
			return KindNetwork
		}
	}
	return KindExtraction
}

// IsRedirectLoop reports whether msg describes a redirect loop and not a
// plain transport failure. Redirect loops become structured failure results
// instead of raised errors so batch and crawl callers can continue past them.
func IsRedirectLoop(msg string) bool {
	lower := strings.ToLower(msg)
	matched := false
	for _, p := range redirectPatterns {
		if strings.Contains(lower, p) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	// Strip the redirect phrase before the transport check so messages like
	// "net::ERR_TOO_MANY_REDIRECTS" are not rejected by their own prefix.
	for _, p := range redirectPatterns {
		lower = strings.ReplaceAll(lower, p, "")
	}
	for _, p := range networkPatterns {
		if strings.Contains(lower, p) {
			return false
		}
	}
	return true
}
