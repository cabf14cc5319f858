// Package guarderr defines the error kinds shared by the guardrail packages.
// Callers match kinds with errors.Is against the sentinel values; concrete
// types carry the detail (offending config key, failing service).
package guarderr

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks a bad detector tag, blacklist/whitelist record,
	// strategy, strength or model file. Fatal to the instance being built.
	ErrConfiguration = errors.New("configuration error")

	// ErrExternalService marks a failed or timed-out call to a classifier,
	// NER sidecar or LLM after retries are exhausted.
	ErrExternalService = errors.New("external service error")

	// ErrValidation marks input rejected before any detector runs.
	ErrValidation = errors.New("validation error")

	// ErrUnavailable marks a session that does not exist or has expired.
	ErrUnavailable = errors.New("not available")
)

// ConfigError names the configuration key that could not be accepted.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Key, e.Reason)
}

func (e *ConfigError) Is(target error) bool { return target == ErrConfiguration }

// Config returns a *ConfigError for key with a formatted reason.
func Config(key, format string, args ...any) error {
	return &ConfigError{Key: key, Reason: fmt.Sprintf(format, args...)}
}

// ExternalError wraps the cause of a failed collaborator call.
type ExternalError struct {
	Service string
	Err     error
}

func (e *ExternalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *ExternalError) Unwrap() error { return e.Err }

func (e *ExternalError) Is(target error) bool { return target == ErrExternalService }

// External wraps err as an ExternalError for service. nil stays nil.
func External(service string, err error) error {
	if err == nil {
		return nil
	}
	var ext *ExternalError
	if errors.As(err, &ext) {
		return err
	}
	return &ExternalError{Service: service, Err: err}
}

// Validation returns an error matching ErrValidation.
func Validation(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}
