// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package maptypes records the BTF key/value types of maps this binary
// loads from its own prebuilt object blobs, so the "ebpf map dump"
// subcommand can decode them structurally instead of falling back to a
// hex byte array, without pkg/collector depending on cmd/tracer.
package maptypes

import (
	"sync"

	"github.com/cilium/ebpf/btf"
)

// Types is the key/value BTF type pair known for a map name.
type Types struct {
	Key   btf.Type
	Value btf.Type
}

var (
	mu    sync.Mutex
	known = map[string]Types{}
)

// Register records name's BTF key/value types. Either may be nil if the
// object carried no BTF for that side.
func Register(name string, key, value btf.Type) {
	mu.Lock()
	defer mu.Unlock()
	known[name] = Types{Key: key, Value: value}
}

// Lookup returns the BTF types registered for name, if any.
func Lookup(name string) (Types, bool) {
	mu.Lock()
	defer mu.Unlock()
	t, ok := known[name]
	return t, ok
}
