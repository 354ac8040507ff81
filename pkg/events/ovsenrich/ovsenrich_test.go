// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package ovsenrich

import (
	"testing"

	"github.com/vishvananda/netlink"

	"github.com/ovsprobe/tracer/pkg/events"
)

func fakeLink(index int, name string) netlink.Link {
	return &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Index: index, Name: name}}
}

func TestResolveByIfindex(t *testing.T) {
	r := &Resolver{linkList: func() ([]netlink.Link, error) {
		return []netlink.Link{fakeLink(2, "eth0"), fakeLink(7, "vxlan0")}, nil
	}}

	ev := &events.ActionEvent{Action: events.OvsActionOutput{Port: 7}}
	name, ok := r.Resolve(ev)
	if !ok || name != "vxlan0" {
		t.Fatalf("Resolve() = %q, %v, want vxlan0, true", name, ok)
	}
}

func TestResolveFallbackName(t *testing.T) {
	r := &Resolver{linkList: func() ([]netlink.Link, error) {
		return []netlink.Link{fakeLink(2, "eth0"), fakeLink(3, "ovs-port-42")}, nil
	}}

	ev := &events.ActionEvent{Action: events.OvsActionOutput{Port: 42}}
	name, ok := r.Resolve(ev)
	if !ok || name != "ovs-port-42" {
		t.Fatalf("Resolve() = %q, %v, want ovs-port-42, true", name, ok)
	}
}

func TestResolveNotFound(t *testing.T) {
	r := &Resolver{linkList: func() ([]netlink.Link, error) {
		return []netlink.Link{fakeLink(2, "eth0")}, nil
	}}

	ev := &events.ActionEvent{Action: events.OvsActionOutput{Port: 99}}
	if name, ok := r.Resolve(ev); ok {
		t.Fatalf("Resolve() = %q, true, want not found", name)
	}
}

func TestResolveNonOutputAction(t *testing.T) {
	r := &Resolver{linkList: func() ([]netlink.Link, error) {
		t.Fatal("linkList should not be called for a non-output action")
		return nil, nil
	}}

	ev := &events.ActionEvent{Action: events.OvsActionDrop{Reason: 1}}
	if _, ok := r.Resolve(ev); ok {
		t.Fatal("Resolve() on a drop action should return false")
	}
}

func TestResolveNetlinkError(t *testing.T) {
	r := &Resolver{linkList: func() ([]netlink.Link, error) {
		return nil, errUnavailable{}
	}}

	ev := &events.ActionEvent{Action: events.OvsActionOutput{Port: 7}}
	if _, ok := r.Resolve(ev); ok {
		t.Fatal("Resolve() should not succeed when netlink fails")
	}
}

type errUnavailable struct{}

func (errUnavailable) Error() string { return "netlink unavailable" }
