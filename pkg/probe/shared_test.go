// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package probe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReuseMapFDsRejectsNilMap(t *testing.T) {
	_, err := reuseMapFDs([]MapFD{{Name: "hooks", Map: nil}})
	require.Error(t, err)
}

func TestReuseMapFDsEmpty(t *testing.T) {
	out, err := reuseMapFDs(nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestManagerOptionsRejectsNilMap(t *testing.T) {
	_, err := managerOptions([]MapFD{{Name: "hooks", Map: nil}})
	require.Error(t, err)
}
