// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package atlink

import "github.com/juju/errors"

// ErrTransportClosed is returned by a Transport when no more data will ever
// arrive. It is the only poll error that stops Run.
var ErrTransportClosed = errors.New("atlink: transport closed")
