// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/atlink/pkg/atlink"
	"github.com/Thermoquad/atlink/pkg/atlink/atlinktest"
)

func TestConsoleExpect_RefusesSubscribedToken(t *testing.T) {
	tr := atlinktest.NewTransport()
	link, err := atlink.New(tr, atlink.Config{})
	require.NoError(t, err)

	got := 0
	link.RegisterHandler(atlink.TokenWiFiGotIP, func(string) { got++ })

	var out bytes.Buffer
	c := &console{link: link, out: &out}
	c.expect(context.Background(), atlink.TokenWiFiGotIP, `AT+CWJAP="net","pw"`)

	assert.Contains(t, out.String(), "already subscribed")
	assert.Empty(t, tr.Writes())

	// The existing handler is untouched
	link.Dispatch(atlink.TokenWiFiGotIP)
	assert.Equal(t, 1, got)
}
