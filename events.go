// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pinsetter

// Event is a domain event emitted by a job run. Events are buffered in
// the execution context and delivered all-or-nothing per run.
type Event struct {
	Type   string      `json:"type"`
	Target string      `json:"target,omitempty"`
	Body   interface{} `json:"body,omitempty"`
}

// EventSink receives the events of a successful job run.
type EventSink interface {
	Send(events []Event) error
}

// NopSink discards all events. It is the default sink.
type NopSink struct{}

// Send implements EventSink.
func (NopSink) Send([]Event) error { return nil }
