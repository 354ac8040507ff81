// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package collector

import (
	"errors"

	cebpf "github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"

	"github.com/ovsprobe/tracer/pkg/collector/telemetry"
	"github.com/ovsprobe/tracer/pkg/errs"
	"github.com/ovsprobe/tracer/pkg/events"
)

// Events is the event consumer: it owns the kernel ring buffer reader
// and the decoder, and is handed to every collector during init.
type Events struct {
	reader  *ringbuf.Reader
	decoder *events.Decoder
	tel     *telemetry.Telemetry

	out chan events.Event
}

// NewEvents wraps ringMap (the "events" ring buffer every collector
// writes into) with decoder and tel.
func NewEvents(ringMap *cebpf.Map, decoder *events.Decoder, tel *telemetry.Telemetry) (*Events, error) {
	r, err := ringbuf.NewReader(ringMap)
	if err != nil {
		return nil, &errs.AttachError{Msg: "open ring buffer reader", Cause: err}
	}
	return &Events{reader: r, decoder: decoder, tel: tel, out: make(chan events.Event, 256)}, nil
}

// StartPolling launches the background goroutine that reads raw records
// off the ring buffer, decodes them, and feeds Poll. This goroutine is
// the kernel ring's only consumer; Poll is the only blocking call the
// main loop makes.
func (e *Events) StartPolling() {
	go e.run()
}

func (e *Events) run() {
	for {
		rec, err := e.reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				close(e.out)
				return
			}
			log.WithError(err).Warn("ring buffer read failed")
			continue
		}

		sections, err := events.SplitSections(rec.RawSample)
		if err != nil {
			e.tel.EventsDropped.WithLabelValues("framing").Inc()
			log.WithError(err).Warn("dropping malformed raw event")
			continue
		}

		decoded, err := e.decoder.Decode(sections)
		for _, ev := range decoded {
			e.tel.EventsDecoded.WithLabelValues(eventTypeLabel(ev)).Inc()
			e.out <- ev
		}
		if err != nil {
			e.tel.EventsDropped.WithLabelValues("decode").Inc()
			log.WithError(err).Warn("dropping malformed event")
		}
	}
}

// Poll returns the next decoded event, blocking until one is available
// or the reader is closed.
func (e *Events) Poll() (events.Event, bool) {
	ev, ok := <-e.out
	return ev, ok
}

// Close stops the ring buffer reader, unblocking any in-flight Read and
// causing the polling goroutine to exit.
func (e *Events) Close() error {
	return e.reader.Close()
}

func eventTypeLabel(ev events.Event) string {
	switch v := ev.(type) {
	case *events.KernelEvent:
		return "kernel"
	case *events.OvsEvent:
		switch {
		case v.Upcall != nil:
			return "upcall"
		case v.UpcallEnqueue != nil:
			return "upcall_enqueue"
		case v.UpcallReturn != nil:
			return "upcall_return"
		case v.RecvUpcall != nil:
			return "recv_upcall"
		case v.Operation != nil:
			return "flow_operation"
		case v.Action != nil:
			return "action_execute"
		}
	}
	return "unknown"
}
