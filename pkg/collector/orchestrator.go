// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package collector

import (
	"bytes"
	"os"
	"path/filepath"

	cebpf "github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ovsprobe/tracer/pkg/collector/telemetry"
	"github.com/ovsprobe/tracer/pkg/errs"
	"github.com/ovsprobe/tracer/pkg/events"
	"github.com/ovsprobe/tracer/pkg/kernel/btfinfo"
	"github.com/ovsprobe/tracer/pkg/kernel/symbol"
	"github.com/ovsprobe/tracer/pkg/probe"
	"github.com/ovsprobe/tracer/pkg/probe/maptypes"
)

// sharedMapNames are the maps every probe kind's object declares and
// expects to reuse rather than create fresh: the tail-call table, the
// event ring buffer, the stack-trace map, the metadata-filter program
// and the per-site probe configuration map.
var sharedMapNames = []string{"hooks", "events", "stack_traces", "filter_meta", "config_map"}

// Orchestrator assembles the collectors, the kernel probe manager and
// the event consumer, and drives their initialization order and the
// poll loop.
type Orchestrator struct {
	group     *Group
	kernel    *Kernel
	ev        *Events
	tel       *telemetry.Telemetry
	sharedObj *cebpf.Collection

	cfg *Config
}

// New registers the three concrete collectors and builds the kernel
// probe manager and event consumer.
func New(cfg *Config, reg prometheus.Registerer) (*Orchestrator, error) {
	group := &Group{}
	group.
		Register(NewSkbTrackingCollector()).
		Register(NewSkbCollector()).
		Register(NewOvsCollector())

	tel := telemetry.New(reg)

	sharedObj, mapFDs, err := loadSharedMaps(cfg.BPFDir)
	if err != nil {
		return nil, err
	}

	ringMap, ok := sharedObj.Maps["events"]
	if !ok {
		sharedObj.Close()
		return nil, &errs.AttachError{Msg: "shared_maps.o has no events ring buffer"}
	}

	inspector := btfinfo.NewInspector()
	registry := symbol.NewRegistry(inspector)
	kernel := NewKernel(cfg.BPFDir, inspector, registry, mapFDs)

	decoder := events.NewDecoder(registry, inspector, &stackMapReader{m: sharedObj.Maps["stack_traces"]})
	ev, err := NewEvents(ringMap, decoder, tel)
	if err != nil {
		sharedObj.Close()
		return nil, err
	}

	return &Orchestrator{group: group, kernel: kernel, ev: ev, tel: tel, sharedObj: sharedObj, cfg: cfg}, nil
}

// loadSharedMaps opens shared_maps.o, the object declaring every map the
// three probe-kind objects reuse, and returns both the live collection
// (kept open so the maps stay alive for the process lifetime) and the
// MapFD table Kernel.Register passes to each builder's Init.
func loadSharedMaps(bpfDir string) (*cebpf.Collection, []probe.MapFD, error) {
	raw, err := os.ReadFile(filepath.Join(bpfDir, "shared_maps.o"))
	if err != nil {
		return nil, nil, &errs.AttachError{Msg: "read shared_maps.o", Cause: err}
	}

	spec, err := cebpf.LoadCollectionSpecFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, &errs.AttachError{Msg: "parse shared_maps.o", Cause: err}
	}

	coll, err := cebpf.NewCollection(spec)
	if err != nil {
		return nil, nil, &errs.AttachError{Msg: "load shared_maps.o", Cause: err}
	}

	mapFDs := make([]probe.MapFD, 0, len(sharedMapNames))
	for _, name := range sharedMapNames {
		m, ok := coll.Maps[name]
		if !ok {
			coll.Close()
			return nil, nil, &errs.AttachError{Msg: "shared_maps.o missing map " + name}
		}
		mapFDs = append(mapFDs, probe.MapFD{Name: name, Map: m})

		if mapSpec, ok := spec.Maps[name]; ok {
			maptypes.Register(name, mapSpec.Key, mapSpec.Value)
		}
	}
	return coll, mapFDs, nil
}

// stackMapReader adapts a raw cilium/ebpf stack-trace map to the
// events.StackReader interface.
type stackMapReader struct {
	m *cebpf.Map
}

func (s *stackMapReader) Lookup(id int64) ([]byte, error) {
	var raw []byte
	if s.m == nil {
		return nil, &errs.TransientDecode{Msg: "no stack-trace map configured"}
	}
	if err := s.m.Lookup(uint32(id), &raw); err != nil {
		return nil, &errs.TransientDecode{Msg: "stack-trace map lookup miss", Cause: err}
	}
	return raw, nil
}

// Run executes the strict start-up order — collector init, event
// polling, probe attach, collector start — and then the poll loop. It
// blocks until the event consumer is closed or a step fails; emit
// receives every decoded event.
func (o *Orchestrator) Run(emit func(events.Event)) error {
	// The event consumer and kernel-probe manager were built in New;
	// everything else happens here, in order.
	if err := o.group.Init(o.cfg, o.kernel, o.ev); err != nil {
		return err
	}

	// Polling starts before any probe attaches so no early event is lost.
	o.ev.StartPolling()

	if err := o.kernel.Attach(); err != nil {
		return err
	}
	o.tel.ProbesAttached.Set(float64(o.kernel.Count()))

	if err := o.group.Start(); err != nil {
		o.kernel.Detach()
		return err
	}

	for {
		ev, ok := o.ev.Poll()
		if !ok {
			return nil
		}
		emit(ev)
	}
}

// Stop releases every resource the orchestrator holds: collectors,
// probes, the ring buffer reader, and the shared-maps collection.
// Idempotent.
func (o *Orchestrator) Stop() {
	o.group.Stop()
	o.kernel.Detach()
	if err := o.ev.Close(); err != nil {
		log.WithError(err).Warn("failed to close event reader cleanly")
	}
	if o.sharedObj != nil {
		o.sharedObj.Close()
	}
}

// RemoveMemlock lifts the locked-memory limit once at process start,
// before any object is loaded.
func RemoveMemlock() error {
	if err := rlimit.RemoveMemlock(); err != nil {
		return &errs.AttachError{Msg: "remove memlock rlimit", Cause: err}
	}
	return nil
}
