// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error kinds reported by ErrorKind.
const (
	KindRemote    = "remote"
	KindMalformed = "malformed"
	KindTimeout   = "timeout"
	KindCancelled = "cancelled"
	KindInternal  = "internal"
)

// ErrEmptyText is returned when SendMessage is called without text.
var ErrEmptyText = errors.New("message text is empty")

// ErrMessageNotFound is returned by lookups of an unknown message id.
var ErrMessageNotFound = errors.New("message not found")

// RemoteServiceError is a non-2xx answer from the completion service.
//
// The body is kept verbatim so callers can show the service's own reason.
// It is never retried automatically.
type RemoteServiceError struct {
	StatusCode int
	StatusText string
	Body       string
}

func (e *RemoteServiceError) Error() string {
	status := fmt.Sprintf("%d", e.StatusCode)
	if e.StatusCode == 0 {
		status = e.StatusText
	}
	return fmt.Sprintf("OpenAI error %s: %s", status, e.Body)
}

// MalformedResponseError means the service answered 2xx but the payload
// could not be used: no choices, or an unparsable stream fragment.
type MalformedResponseError struct {
	// Reason is the service's detail message when it sent one.
	Reason string

	// Payload is the offending body or fragment.
	Payload string

	// Err is the decode error, if any.
	Err error
}

func (e *MalformedResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("OpenAI error: %s: %v", e.Reason, e.Err)
	}
	return "OpenAI error: " + e.Reason
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

// TimeoutError means the call's deadline expired before the answer
// finished.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("request timed out after %s", e.Timeout)
	}
	return "request timed out"
}

// Is lets errors.Is(err, context.DeadlineExceeded) match.
func (e *TimeoutError) Is(target error) bool {
	return target == context.DeadlineExceeded
}

// CancellationError means the caller aborted the call. It is not a
// failure that needs user notification.
type CancellationError struct {
	Cause error
}

func (e *CancellationError) Error() string {
	if e.Cause != nil && !errors.Is(e.Cause, context.Canceled) {
		return fmt.Sprintf("request cancelled: %v", e.Cause)
	}
	return "request cancelled"
}

// Is lets errors.Is(err, context.Canceled) match.
func (e *CancellationError) Is(target error) bool {
	return target == context.Canceled
}

func (e *CancellationError) Unwrap() error {
	return e.Cause
}

// ErrorKind classifies err for metrics labels and bridge responses.
//
// # Outputs
//
//   - string: One of remote, malformed, timeout, cancelled, internal, or ""
//     for a nil error.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	var (
		remote    *RemoteServiceError
		malformed *MalformedResponseError
		timeout   *TimeoutError
		cancelled *CancellationError
	)
	switch {
	case errors.As(err, &timeout):
		return KindTimeout
	case errors.As(err, &cancelled):
		return KindCancelled
	case errors.As(err, &remote):
		return KindRemote
	case errors.As(err, &malformed):
		return KindMalformed
	default:
		return KindInternal
	}
}

// contextError converts the reason a call context ended into a typed error.
func contextError(ctx context.Context, timeout time.Duration) error {
	cause := context.Cause(ctx)
	var te *TimeoutError
	var ce *CancellationError
	switch {
	case cause == nil:
		return nil
	case errors.As(cause, &te), errors.As(cause, &ce):
		return cause
	case errors.Is(cause, context.DeadlineExceeded):
		return &TimeoutError{Timeout: timeout}
	default:
		return &CancellationError{Cause: cause}
	}
}
