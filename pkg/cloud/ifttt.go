// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cloud

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/juju/errors"

	"github.com/Thermoquad/atlink/pkg/atlink"
)

// IFTTTServer is the Maker webhooks endpoint
const IFTTTServer = "http://maker.ifttt.com"

// IFTTT triggers Maker webhook events
type IFTTT struct {
	link Link

	mu    sync.Mutex
	key   string
	event string
}

// NewIFTTT creates an IFTTT client on link
func NewIFTTT(link Link) (*IFTTT, error) {
	if link == nil {
		return nil, errors.NotValidf("nil link")
	}
	return &IFTTT{link: link}, nil
}

// Set selects the webhook key and event name
func (f *IFTTT) Set(key, event string) error {
	if key == "" || event == "" {
		return errors.NotValidf("key %q / event %q", key, event)
	}
	f.mu.Lock()
	f.key = key
	f.event = event
	f.mu.Unlock()
	return nil
}

type iftttValues struct {
	Value1 string `json:"value1"`
	Value2 string `json:"value2"`
	Value3 string `json:"value3"`
}

// Post triggers the event with three values
func (f *IFTTT) Post(value1, value2, value3 string) error {
	f.mu.Lock()
	key, event := f.key, f.event
	f.mu.Unlock()

	if key == "" {
		return errors.NotValidf("post before Set")
	}

	body, err := json.Marshal(iftttValues{Value1: value1, Value2: value2, Value3: value3})
	if err != nil {
		return errors.Annotate(err, "encoding ifttt values")
	}

	command := fmt.Sprintf(`AT+HTTPCLIENT=3,1,"%s/trigger/%s/with/key/%s",,,2,"%s"`,
		IFTTTServer, event, key, atlink.Escape(string(body)))
	return errors.Trace(f.link.Send(command))
}
