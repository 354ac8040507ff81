// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package collector

import (
	"errors"
	"testing"
)

type fakeCollector struct {
	name      string
	initErr   error
	startErr  error
	inited    bool
	started   bool
	stopCount int
}

func (f *fakeCollector) Name() string { return f.name }

func (f *fakeCollector) Init(cfg *Config, kernel *Kernel, ev *Events) error {
	f.inited = true
	return f.initErr
}

func (f *fakeCollector) Start() error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeCollector) Stop() { f.stopCount++ }

func TestGroupInitStopsAtFirstFailure(t *testing.T) {
	ok1 := &fakeCollector{name: "a"}
	bad := &fakeCollector{name: "b", initErr: errors.New("boom")}
	ok2 := &fakeCollector{name: "c"}

	g := &Group{}
	g.Register(ok1).Register(bad).Register(ok2)

	if err := g.Init(nil, nil, nil); err == nil {
		t.Fatal("expected Init to fail")
	}
	if !ok1.inited {
		t.Error("the collector before the failure should have been initialized")
	}
	if ok2.inited {
		t.Error("no collector after the failing one should be initialized")
	}
}

func TestGroupStartRollsBackOnFailure(t *testing.T) {
	ok1 := &fakeCollector{name: "a"}
	ok2 := &fakeCollector{name: "b"}
	bad := &fakeCollector{name: "c", startErr: errors.New("boom")}

	g := &Group{}
	g.Register(ok1).Register(ok2).Register(bad)

	if err := g.Start(); err == nil {
		t.Fatal("expected Start to fail")
	}

	if !ok1.started || !ok2.started {
		t.Fatal("earlier collectors should have started before the failure")
	}
	if ok1.stopCount != 1 || ok2.stopCount != 1 {
		t.Errorf("started collectors should be rolled back on failure: a=%d b=%d", ok1.stopCount, ok2.stopCount)
	}
	if bad.stopCount != 0 {
		t.Error("the collector whose Start failed should not itself be stopped")
	}
}

func TestGroupStopStopsEveryCollector(t *testing.T) {
	a := &fakeCollector{name: "a"}
	b := &fakeCollector{name: "b"}

	g := &Group{}
	g.Register(a).Register(b)
	g.Stop()

	if a.stopCount != 1 || b.stopCount != 1 {
		t.Error("Stop should call Stop on every registered collector")
	}
}
