// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package errs

import (
	"errors"
	"testing"
)

func TestErrorMessagesIncludeCause(t *testing.T) {
	cause := errors.New("boom")

	cases := []struct {
		name string
		err  error
		want string
	}{
		{"config", &ConfigError{Msg: "bad filter", Cause: cause}, "config error: bad filter: boom"},
		{"resolve", &ResolveError{Msg: "not found", Cause: cause}, "resolve error: not found: boom"},
		{"compile", &CompileError{Msg: "too big", Cause: cause}, "compile error: too big: boom"},
		{"attach", &AttachError{Msg: "load failed", Cause: cause}, "attach error: load failed: boom"},
		{"decode", &DecodeError{Msg: "bad tag", Cause: cause}, "decode error: bad tag: boom"},
		{"transient", &TransientDecode{Msg: "miss", Cause: cause}, "transient decode: miss: boom"},
	}
	for _, tc := range cases {
		if got := tc.err.Error(); got != tc.want {
			t.Errorf("%s: Error() = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestErrorMessagesWithoutCause(t *testing.T) {
	err := &ConfigError{Msg: "bad filter"}
	if got, want := err.Error(), "config error: bad filter"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("boom")
	err := &AttachError{Msg: "load failed", Cause: cause}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}

	var target *AttachError
	if !errors.As(err, &target) {
		t.Error("errors.As should match *AttachError")
	}
}
