// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cloud

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIFTTT_PostBeforeSet(t *testing.T) {
	link := newStubLink()
	f, err := NewIFTTT(link)
	require.NoError(t, err)

	assert.True(t, errors.Is(f.Post("a", "b", "c"), errors.NotValid))
	assert.Empty(t, link.sentCommands())
}

func TestIFTTT_SetValidation(t *testing.T) {
	f, err := NewIFTTT(newStubLink())
	require.NoError(t, err)

	assert.True(t, errors.Is(f.Set("", "evt"), errors.NotValid))
	assert.True(t, errors.Is(f.Set("key", ""), errors.NotValid))
}

func TestIFTTT_Post(t *testing.T) {
	link := newStubLink()
	f, err := NewIFTTT(link)
	require.NoError(t, err)
	require.NoError(t, f.Set("abc123", "overheat"))

	require.NoError(t, f.Post("81.5", "C", "burner"))
	assert.Equal(t,
		`AT+HTTPCLIENT=3,1,"http://maker.ifttt.com/trigger/overheat/with/key/abc123",,,2,"{\"value1\":\"81.5\"\,\"value2\":\"C\"\,\"value3\":\"burner\"}"`,
		link.sentCommands()[0])
}
