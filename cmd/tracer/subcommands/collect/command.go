// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package collect registers the "collect" subcommand: the tracer's main
// entry point, assembling the collector orchestrator from flags and
// running its poll loop.
package collect

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ovsprobe/tracer/cmd/tracer/command"
	"github.com/ovsprobe/tracer/pkg/collector"
	"github.com/ovsprobe/tracer/pkg/events"
	"github.com/ovsprobe/tracer/pkg/events/ovsenrich"
	"github.com/ovsprobe/tracer/pkg/filters/packet"
)

var log = logrus.WithField("subsystem", "subcommands/collect")

type cliArgs struct {
	bpfDir       string
	packetFilter string
	l2           bool
	metaFilter   string
	ebpfDebug    bool
	disable      []string
	metricsAddr  string
}

// MakeCollectCommand builds the "collect" subcommand.
func MakeCollectCommand(globalParams *command.GlobalParams) *cobra.Command {
	args := &cliArgs{}

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Attach probes and stream decoded events as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(args)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&args.bpfDir, "bpf-dir", "/usr/share/tracer/bpf", "directory holding the prebuilt eBPF object blobs")
	flags.StringVar(&args.packetFilter, "packet-filter", "", "pcap-style packet filter expression")
	flags.BoolVar(&args.l2, "l2", false, "compile the packet filter against full Ethernet frames instead of raw L3 packets")
	flags.StringVar(&args.metaFilter, "meta-filter", "", "dotted sk_buff metadata filter expression")
	flags.BoolVar(&args.ebpfDebug, "ebpf-debug", false, "recorded in the collector config; not passed to the in-kernel programs")
	flags.StringSliceVar(&args.disable, "disable", nil, "collector names to disable (skb-tracking, skb, ovs)")
	flags.StringVar(&args.metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on, empty disables it")

	return cmd
}

func run(args *cliArgs) error {
	if err := collector.RemoveMemlock(); err != nil {
		return err
	}

	cfg := &collector.Config{
		BPFDir:       args.bpfDir,
		PacketFilter: args.packetFilter,
		MetaFilter:   args.metaFilter,
		EbpfDebug:    args.ebpfDebug,
		Enable:       map[string]bool{},
	}
	if args.l2 {
		cfg.PacketFilterLayer = packet.L2
	}
	for _, name := range args.disable {
		cfg.Enable[name] = false
	}

	reg := prometheus.NewRegistry()
	if args.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: args.metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
		defer srv.Close()
	}

	orch, err := collector.New(cfg, reg)
	if err != nil {
		log.WithError(err).Error("failed to build collector orchestrator")
		return err
	}
	defer orch.Stop()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigc
		log.Info("shutting down")
		orch.Stop()
	}()

	resolver := ovsenrich.NewResolver()
	return orch.Run(func(ev events.Event) {
		b, err := emitJSON(ev, resolver)
		if err != nil {
			log.WithError(err).Warn("failed to marshal event")
			return
		}
		fmt.Println(string(b))
	})
}

// emitJSON marshals ev, splicing in the resolved host interface name for
// OVS output actions. The name is presentation-only and never part of
// the event itself.
func emitJSON(ev events.Event, resolver *ovsenrich.Resolver) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}

	oe, ok := ev.(*events.OvsEvent)
	if !ok || oe.Action == nil {
		return b, nil
	}
	name, ok := resolver.Resolve(oe.Action)
	if !ok {
		return b, nil
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, err
	}
	fields["iface"] = name
	return json.Marshal(fields)
}
