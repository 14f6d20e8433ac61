// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mqtt

import (
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// Message is a publish received on a subscribed topic
type Message struct {
	LinkID  int
	Topic   string
	Length  int
	Payload string
}

// ParseMessage parses a publish notification of the form
//
//	+MQTTSUBRECV:<link>,"<topic>",<length>,<payload>
//
// The payload is everything after the third comma with surrounding quotes
// removed, so it may itself contain commas.
func ParseMessage(line string) (Message, error) {
	i := strings.Index(line, subRecvPrefix)
	if i < 0 {
		return Message{}, errors.NotValidf("publish notification %q", line)
	}
	body := line[i+len(subRecvPrefix):]

	parts := strings.SplitN(body, ",", 4)
	if len(parts) < 4 {
		return Message{}, errors.NotValidf("publish notification with %d fields", len(parts))
	}

	linkID, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return Message{}, errors.NotValidf("link id %q", parts[0])
	}
	length, err := strconv.Atoi(strings.TrimSpace(parts[2]))
	if err != nil {
		return Message{}, errors.NotValidf("payload length %q", parts[2])
	}

	topic := strings.Trim(parts[1], `"`)
	if topic == "" {
		return Message{}, errors.NotValidf("empty topic")
	}

	return Message{
		LinkID:  linkID,
		Topic:   topic,
		Length:  length,
		Payload: strings.Trim(parts[3], `"`),
	}, nil
}

// TopicMatches reports whether topic matches filter, which may contain the
// MQTT wildcards + and #.
func TopicMatches(filter, topic string) bool {
	if filter == topic {
		return true
	}

	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, level := range f {
		if level == "#" {
			return i == len(f)-1
		}
		if i >= len(t) {
			return false
		}
		if level != "+" && level != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}

// ValidateTopic rejects empty topics
func ValidateTopic(topic string) error {
	if topic == "" {
		return errors.NotValidf("empty topic")
	}
	return nil
}
