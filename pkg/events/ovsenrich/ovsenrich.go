// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package ovsenrich adds a best-effort interface name to OvsActionOutput
// events by resolving the action's datapath port against the host's
// netlink link table.
package ovsenrich

import (
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"

	"github.com/ovsprobe/tracer/pkg/events"
)

var log = logrus.WithField("subsystem", "events/ovsenrich")

// InterfaceName is the field an enriched OvsActionOutput gains; it is
// never part of the wire format, so it is carried alongside an event
// rather than inside it.
type InterfaceName = string

// Resolver resolves an OVS datapath port number to a host interface
// name, best-effort.
type Resolver struct {
	// linkList is overridable in tests.
	linkList func() ([]netlink.Link, error)
}

// NewResolver builds a Resolver backed by the host's netlink link table.
func NewResolver() *Resolver {
	return &Resolver{linkList: netlink.LinkList}
}

// Resolve returns the interface name for an OVS output action's port, or
// ("", false) if no matching link could be found. A netlink failure is
// logged and treated the same as "not found": enrichment never turns
// into a decode error.
func (r *Resolver) Resolve(ev *events.ActionEvent) (InterfaceName, bool) {
	out, ok := ev.Action.(events.OvsActionOutput)
	if !ok {
		return "", false
	}

	links, err := r.linkList()
	if err != nil {
		log.WithError(err).Debug("failed to list host links for OVS port enrichment")
		return "", false
	}

	// OVS numbers vports starting at 1 and conventionally exposes the
	// kernel ifindex as the datapath port number for non-internal
	// vports; match by ifindex first, falling back to an "ovs-port-N"
	// naming convention some deployments use for ports without a
	// matching host link.
	for _, l := range links {
		if uint32(l.Attrs().Index) == out.Port {
			return l.Attrs().Name, true
		}
	}

	fallback := "ovs-port-" + strconv.FormatUint(uint64(out.Port), 10)
	for _, l := range links {
		if l.Attrs().Name == fallback {
			return fallback, true
		}
	}

	return "", false
}
