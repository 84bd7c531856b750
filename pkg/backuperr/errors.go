// Package backuperr defines the error taxonomy shared across the engine,
// targets, and storage providers. Callers branch on these types with
// errors.As to decide retries, ledger messages, and API status codes.
package backuperr

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ConfigurationError reports an invalid or missing configuration field.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error in %s: %s", e.Field, e.Message)
}

// ExtractionError reports a failed backup or restore extraction step, with
// the external tool's output when one was involved.
type ExtractionError struct {
	Target  string
	Message string
	Output  string
	Err     error
}

func (e *ExtractionError) Error() string {
	msg := fmt.Sprintf("extraction failed for %s: %s", e.Target, e.Message)
	if e.Output != "" {
		msg += ": " + strings.TrimSpace(e.Output)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// TransportError reports a failed storage provider call. StatusCode is zero
// when the failure happened below HTTP.
type TransportError struct {
	Provider   string
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s failed with status %d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Provider, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NoMatchError reports that a provider lookup matched nothing. It is a
// normal outcome for pattern searches, not a transport failure.
type NoMatchError struct {
	Provider string
	Pattern  string
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("no backup on %s matches %q", e.Provider, e.Pattern)
}

// IsNoMatch reports whether err is a NoMatchError anywhere in its chain.
func IsNoMatch(err error) bool {
	var nm *NoMatchError
	return errors.As(err, &nm)
}

// IntegrityError reports a failed artifact verification with every reason
// that was found.
type IntegrityError struct {
	Reasons []string
}

func (e *IntegrityError) Error() string {
	return "integrity check failed: " + strings.Join(e.Reasons, "; ")
}

// PinningError reports a TLS certificate whose fingerprint did not match the
// pinned value for its host. The connection was refused.
type PinningError struct {
	Host        string
	Fingerprint string
}

func (e *PinningError) Error() string {
	return fmt.Sprintf("certificate for %s does not match pinned fingerprint (got %s)", e.Host, e.Fingerprint)
}

// ProviderFailure pairs a storage provider name with the error it returned
// during a multi-provider execution.
type ProviderFailure struct {
	Provider string
	Err      error
}

func (f ProviderFailure) Error() string {
	return fmt.Sprintf("%s: %v", f.Provider, f.Err)
}

func (f ProviderFailure) Unwrap() error { return f.Err }

// AggregateError is returned when every storage provider in an execution
// failed.
type AggregateError struct {
	Failures []ProviderFailure
}

func (e *AggregateError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Error())
	}
	return "all storage providers failed: " + strings.Join(parts, "; ")
}
