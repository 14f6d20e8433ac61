// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cloud

import "github.com/juju/errors"

// ErrNotConnected is returned when uploading before a successful Connect.
var ErrNotConnected = errors.New("cloud service not connected")
