// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package command builds the tracer binary's root cobra command and the
// global parameters every subcommand shares.
package command

import (
	"path/filepath"

	"github.com/spf13/cobra"
)

// GlobalParams holds the flags every subcommand needs, kept separate
// from per-subcommand flags.
type GlobalParams struct {
	// ConfFilePath is the directory or file holding tracer.yaml.
	ConfFilePath string

	// confFilePath overrides ConfFilePath's directory-derivation when
	// set explicitly.
	confFilePath string
}

// ConfPath returns the directory ConfFilePath implies unless an explicit
// override was set.
func (p *GlobalParams) ConfPath() string {
	if p.confFilePath != "" {
		return p.confFilePath
	}
	if filepath.Ext(p.ConfFilePath) != "" {
		return filepath.Dir(p.ConfFilePath)
	}
	return p.ConfFilePath
}

// SubcommandFactory builds a *cobra.Command registered against the root
// command, given the shared GlobalParams.
type SubcommandFactory func(globalParams *GlobalParams) *cobra.Command

// MakeCommand builds the tracer root command and registers every
// subcommand factory against it.
func MakeCommand(subcommands []SubcommandFactory) *cobra.Command {
	globalParams := GlobalParams{}

	root := &cobra.Command{
		Use:          "tracer",
		Short:        "Kernel packet and OVS datapath observability tracer",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&globalParams.ConfFilePath, "config", "c", "", "path to tracer.yaml")

	for _, sf := range subcommands {
		root.AddCommand(sf(&globalParams))
	}
	return root
}
