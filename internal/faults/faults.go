// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package faults defines the error taxonomy shared by the routing, fallback,
// retry and search layers, together with the helpers that encode how each
// kind of failure propagates.
package faults

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCircuitOpen is matched by every CircuitOpenError.
	ErrCircuitOpen = errors.New("circuit_open")

	// ErrNoProviderAvailable indicates selection found no usable provider.
	ErrNoProviderAvailable = errors.New("no provider available")
)

// Kind classifies a provider-level failure.
type Kind string

const (
	// KindTransient covers network errors and 5xx-style failures.
	KindTransient Kind = "transient"
	// KindTimeout is raised when the per-call timeout elapses.
	KindTimeout Kind = "timeout"
	// KindUnavailable means the provider reported itself disabled or unreachable.
	KindUnavailable Kind = "unavailable"
	// KindMalformed means the provider answered with an unusable response.
	KindMalformed Kind = "malformed"
)

// ProviderError is returned by provider adapters and search strategies.
type ProviderError struct {
	Provider string
	Kind     Kind
	// PreCall is true when the failure was detected before any network call
	// (for example a provider flagged unavailable by the health monitor).
	PreCall bool
	Err     error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("provider %s: %s", e.Provider, e.Kind)
	}
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Transient wraps err as a transient provider failure.
func Transient(provider string, err error) error {
	return &ProviderError{Provider: provider, Kind: KindTransient, Err: err}
}

// Timeout wraps err as a per-call timeout.
func Timeout(provider string, err error) error {
	return &ProviderError{Provider: provider, Kind: KindTimeout, Err: err}
}

// Unavailable reports a provider that is known to be down.
func Unavailable(provider string, preCall bool, err error) error {
	return &ProviderError{Provider: provider, Kind: KindUnavailable, PreCall: preCall, Err: err}
}

// Malformed reports an unusable provider response.
func Malformed(provider string, err error) error {
	return &ProviderError{Provider: provider, Kind: KindMalformed, Err: err}
}

// CircuitOpenError is returned by the breaker when a dependency is rejected.
type CircuitOpenError struct {
	Dependency string
	State      string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit_open: dependency %s is %s", e.Dependency, e.State)
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// ValidationError reports a malformed request. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is, or wraps, a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsCircuitOpen reports whether err was produced by an open breaker.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// IsCancellation reports whether err stems from the caller cancelling the
// request rather than from a dependency.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

// KindOf returns the provider error kind, or "" when err is not a ProviderError.
func KindOf(err error) Kind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsRetryable reports whether a fallback executor may advance to the next
// candidate after err.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsValidation(err) || IsCancellation(err) {
		return false
	}
	return true
}

// CountsAsBreakerFailure reports whether err must be recorded as a failed
// outcome on the dependency's circuit breaker. Local cancellations, validation
// problems and pre-call unavailability are never attributed to the dependency.
func CountsAsBreakerFailure(err error) bool {
	if err == nil || IsCancellation(err) || IsValidation(err) || IsCircuitOpen(err) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Kind == KindUnavailable && pe.PreCall {
		return false
	}
	return true
}

// Reason renders a short, log-friendly reason for err.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case IsCircuitOpen(err):
		return "circuit_open"
	case IsValidation(err):
		return "validation"
	case IsCancellation(err):
		return "cancelled"
	}
	if k := KindOf(err); k != "" {
		return string(k)
	}
	return strings.TrimSpace(err.Error())
}
