// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Command tracer attaches kernel probes and streams decoded packet and
// OVS datapath events.
package main

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/ovsprobe/tracer/cmd/tracer/command"
	"github.com/ovsprobe/tracer/cmd/tracer/subcommands/collect"
	"github.com/ovsprobe/tracer/cmd/tracer/subcommands/probe"
)

func main() {
	root := command.MakeCommand([]command.SubcommandFactory{
		collect.MakeCollectCommand,
		probe.MakeProbeCommand,
	})

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Error("tracer exited with an error")
		os.Exit(1)
	}
}
