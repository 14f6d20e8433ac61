// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package capture records the raw traffic of a link to a CBOR stream and
// plays it back as a transport.
package capture

import (
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Direction of a recorded chunk
type Direction uint8

const (
	// Rx is data polled from the device
	Rx Direction = iota + 1
	// Tx is data written to the device
	Tx
)

func (d Direction) String() string {
	switch d {
	case Rx:
		return "RX"
	case Tx:
		return "TX"
	default:
		return "UNKNOWN"
	}
}

// Record is one chunk of traffic
type Record struct {
	// Offset since the start of the capture
	Offset time.Duration `cbor:"1,keyasint"`
	Dir    Direction     `cbor:"2,keyasint"`
	Data   []byte        `cbor:"3,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create capture CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create capture CBOR decoder mode: %v", err))
	}
}

// NewEncoder creates a record encoder writing to w
func NewEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder creates a record decoder reading from r
func NewDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}

// ReadAll decodes every record in r
func ReadAll(r io.Reader) ([]Record, error) {
	dec := NewDecoder(r)

	var records []Record
	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if err == io.EOF {
				return records, nil
			}
			return records, err
		}
		records = append(records, rec)
	}
}
