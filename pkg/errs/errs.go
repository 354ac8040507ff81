// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package errs defines the error taxonomy shared by the filter compilers,
// probe builders and event factory. Each type carries an optional Cause
// that Unwrap exposes, so callers can reach the original error with
// errors.Is and branch on taxonomy with errors.As instead of string
// matching.
package errs

import "fmt"

// ConfigError reports a malformed filter expression: bad grammar, bad mask,
// unknown comparator, or an lhs that doesn't start with "sk_buff".
type ConfigError struct {
	Msg   string
	Cause error
}

func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("config error: %s: %s", e.Msg, e.Cause)
	}
	return fmt.Sprintf("config error: %s", e.Msg)
}

func (e *ConfigError) Unwrap() error { return e.Cause }

// ResolveError reports a BTF lookup miss, a symbol-not-found, a
// pointer-of-pointer expression, or an unsupported BTF kind.
type ResolveError struct {
	Msg   string
	Cause error
}

func (e *ResolveError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("resolve error: %s: %s", e.Msg, e.Cause)
	}
	return fmt.Sprintf("resolve error: %s", e.Msg)
}

func (e *ResolveError) Unwrap() error { return e.Cause }

// CompileError reports a pcap compile failure or a program that overflows
// FILTER_MAX_INSNS / META_OPS_MAX.
type CompileError struct {
	Msg   string
	Cause error
}

func (e *CompileError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("compile error: %s: %s", e.Msg, e.Cause)
	}
	return fmt.Sprintf("compile error: %s", e.Msg)
}

func (e *CompileError) Unwrap() error { return e.Cause }

// AttachError reports a map-reuse failure, a missing entry program, a
// kernel load rejection, or a tracepoint attach failure.
type AttachError struct {
	Msg   string
	Cause error
}

func (e *AttachError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("attach error: %s: %s", e.Msg, e.Cause)
	}
	return fmt.Sprintf("attach error: %s", e.Msg)
}

func (e *AttachError) Unwrap() error { return e.Cause }

// DecodeError reports a wrong section count, an unknown tag, a size
// mismatch, or an unknown probe-kind byte.
type DecodeError struct {
	Msg   string
	Cause error
}

func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("decode error: %s: %s", e.Msg, e.Cause)
	}
	return fmt.Sprintf("decode error: %s", e.Msg)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

// TransientDecode reports a non-fatal decode condition, such as a
// stack-map lookup miss: the caller omits the affected field and
// continues, it never aborts the event loop.
type TransientDecode struct {
	Msg   string
	Cause error
}

func (e *TransientDecode) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transient decode: %s: %s", e.Msg, e.Cause)
	}
	return fmt.Sprintf("transient decode: %s", e.Msg)
}

func (e *TransientDecode) Unwrap() error { return e.Cause }
