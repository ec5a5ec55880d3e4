// Package errs defines the typed error taxonomy components return instead
// of raising exceptions: ConfigError, UpstreamUnavailable, UpstreamRejected,
// MissingInputs, InsufficientFunds, InvalidOrder, and StateInconsistency.
// Job bodies inspect the kind with errors.As and decide whether to retry,
// downgrade, or skip — they never branch on error string text.
package errs

import "fmt"

// ConfigError marks a missing required parameter or an out-of-range value.
// Fatal at startup.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// NewConfigError builds a ConfigError for the given field.
func NewConfigError(field, reason string) error {
	return &ConfigError{Field: field, Reason: reason}
}

// UpstreamUnavailable wraps a network error, timeout, or 5xx response from
// the exchange. Retried within the adapter; surfaced only after the retry
// budget is exhausted.
type UpstreamUnavailable struct {
	Op  string
	Err error
}

func (e *UpstreamUnavailable) Error() string {
	return fmt.Sprintf("upstream unavailable: %s: %v", e.Op, e.Err)
}

func (e *UpstreamUnavailable) Unwrap() error { return e.Err }

// NewUpstreamUnavailable wraps err as an UpstreamUnavailable for op.
func NewUpstreamUnavailable(op string, err error) error {
	return &UpstreamUnavailable{Op: op, Err: err}
}

// UpstreamRejected marks a 4xx response from the exchange, including auth
// and permission failures. Never retried.
type UpstreamRejected struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *UpstreamRejected) Error() string {
	return fmt.Sprintf("upstream rejected: %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// NewUpstreamRejected builds an UpstreamRejected for op.
func NewUpstreamRejected(op string, statusCode int, body string) error {
	return &UpstreamRejected{Op: op, StatusCode: statusCode, Body: body}
}

// MissingInputs marks scoring or risk invoked without the indicator
// snapshot it requires. Not fatal — the caller skips this instrument.
type MissingInputs struct {
	Instrument string
	Missing    string
}

func (e *MissingInputs) Error() string {
	return fmt.Sprintf("missing inputs for %s: %s", e.Instrument, e.Missing)
}

// NewMissingInputs builds a MissingInputs error.
func NewMissingInputs(instrument, missing string) error {
	return &MissingInputs{Instrument: instrument, Missing: missing}
}

// InsufficientFunds marks a simulated Order Executor open or close rejected
// because available cash is below the fee (entries deduct only the fee).
// Not retried.
type InsufficientFunds struct {
	Instrument string
	Required   string
	Available  string
}

func (e *InsufficientFunds) Error() string {
	return fmt.Sprintf("insufficient funds for %s: need %s, have %s", e.Instrument, e.Required, e.Available)
}

// NewInsufficientFunds builds an InsufficientFunds error.
func NewInsufficientFunds(instrument, required, available string) error {
	return &InsufficientFunds{Instrument: instrument, Required: required, Available: available}
}

// InvalidOrder marks notional below minimum, a LIMIT order without a price,
// SHORT on a spot instrument, or a non-positive quantity. Not retried.
type InvalidOrder struct {
	Reason string
}

func (e *InvalidOrder) Error() string {
	return fmt.Sprintf("invalid order: %s", e.Reason)
}

// NewInvalidOrder builds an InvalidOrder error.
func NewInvalidOrder(reason string) error {
	return &InvalidOrder{Reason: reason}
}

// StateInconsistency marks divergence the Reconciler found between the
// Position Tracker and the exchange's authoritative state. Resolved in
// place by the Reconciler; carried here so the resolution can be logged
// and counted uniformly with other error kinds.
type StateInconsistency struct {
	Instrument string
	Detail     string
}

func (e *StateInconsistency) Error() string {
	return fmt.Sprintf("state inconsistency for %s: %s", e.Instrument, e.Detail)
}

// NewStateInconsistency builds a StateInconsistency error.
func NewStateInconsistency(instrument, detail string) error {
	return &StateInconsistency{Instrument: instrument, Detail: detail}
}
