package domain

import (
	"errors"
	"fmt"
)

var (
	ErrSignatureInvalid  = errors.New("signature_invalid")
	ErrSignatureMissing  = errors.New("signature_missing")
	ErrPayloadMalformed  = errors.New("payload_malformed")
	ErrUnknownProvider   = errors.New("unknown_provider")
	ErrInstanceUnknown   = errors.New("instance_unknown")
	ErrPermanentFailure  = errors.New("permanent_failure")
	ErrLogNotFound       = errors.New("webhook_log_not_found")
	ErrLogNotReplayable  = errors.New("webhook_log_not_replayable")
	ErrLogAlreadyHandled = errors.New("webhook_log_already_processed")
)

// TransientError marks a failure the retry scheduler should try again.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so IsTransient reports true.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// FanOutError wraps realtime publish failures. It is logged and never
// returned to callers of the resolution chain.
type FanOutError struct {
	Channel string
	Err     error
}

func (e *FanOutError) Error() string {
	return fmt.Sprintf("publish %s: %v", e.Channel, e.Err)
}

func (e *FanOutError) Unwrap() error { return e.Err }
