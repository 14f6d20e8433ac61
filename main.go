// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// atlink - AT command link tool for ESP-AT WiFi modules
//
// Multiplexes commands and unsolicited notifications over a single serial
// link and runs WiFi, MQTT and cloud sessions on top of it.

package main

import (
	"os"

	"github.com/Thermoquad/atlink/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
