// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package collector

import "testing"

func TestConfigEnabledDefaultsTrue(t *testing.T) {
	var c *Config
	if !c.Enabled("skb") {
		t.Error("nil Config should treat every collector as enabled")
	}

	c = &Config{}
	if !c.Enabled("skb") {
		t.Error("Config with nil Enable map should treat every collector as enabled")
	}
}

func TestConfigEnabledHonorsExplicitDisable(t *testing.T) {
	c := &Config{Enable: map[string]bool{"ovs": false}}
	if c.Enabled("ovs") {
		t.Error("Enabled(\"ovs\") should be false")
	}
	if !c.Enabled("skb") {
		t.Error("collectors absent from Enable should default to true")
	}
}
