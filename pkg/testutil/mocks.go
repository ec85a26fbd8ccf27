// Package testutil provides test doubles shared across package tests.
package testutil

import (
	"context"
	"regexp"
	"sync"

	"github.com/R3E-Network/fundraiser/internal/app/events"
	"github.com/R3E-Network/fundraiser/internal/app/notify"
)

var otpPattern = regexp.MustCompile(`\b\d{6}\b`)

// RecordingNotifier is a notify.Notifier that keeps every message.
type RecordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Message
	err  error
}

var _ notify.Notifier = (*RecordingNotifier)(nil)

func NewRecordingNotifier() *RecordingNotifier {
	return &RecordingNotifier{}
}

// Send records msg and returns the configured failure, if any.
func (n *RecordingNotifier) Send(_ context.Context, msg notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return n.err
}

// Fail makes subsequent sends return err after recording the message.
func (n *RecordingNotifier) Fail(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

// Messages returns a copy of everything sent so far.
func (n *RecordingNotifier) Messages() []notify.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.Message, len(n.sent))
	copy(out, n.sent)
	return out
}

func (n *RecordingNotifier) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

// LastCode extracts the six digit code from the newest message body.
func (n *RecordingNotifier) LastCode() (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) == 0 {
		return "", false
	}
	code := otpPattern.FindString(n.sent[len(n.sent)-1].Body)
	return code, code != ""
}

// RecordingPublisher is an events.Publisher that keeps every event.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

var _ events.Publisher = (*RecordingPublisher)(nil)

func (p *RecordingPublisher) Publish(evt events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

// Types returns the event types in publish order.
func (p *RecordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, evt := range p.events {
		out = append(out, evt.Type)
	}
	return out
}
