// Package events fans donation activity out to in-process subscribers such as
// the live campaign feed.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/R3E-Network/fundraiser/internal/app/domain/donation"
)

// Event types.
const (
	DonationCreated  = "donation.created"
	DonationVerified = "donation.verified"
)

// Event is published whenever a donation is recorded or verified. Donation is
// already redacted for public consumption.
type Event struct {
	Type       string            `json:"type"`
	CampaignID string            `json:"campaignId"`
	Donation   donation.Donation `json:"donation"`
	At         time.Time         `json:"at"`
}

// Publisher is what services depend on.
type Publisher interface {
	Publish(evt Event)
}

const defaultBuffer = 16

type subscriber struct {
	campaignID string
	ch         chan Event
}

// Hub is a non-blocking pub/sub. Slow subscribers miss events rather than
// stall publishers.
type Hub struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[int]*subscriber
	dropped atomic.Int64
}

var _ Publisher = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{subs: make(map[int]*subscriber)}
}

// Subscribe registers interest in one campaign, or every campaign when
// campaignID is empty. The returned cancel func closes the channel.
func (h *Hub) Subscribe(campaignID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	sub := &subscriber{campaignID: campaignID, ch: make(chan Event, buffer)}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

func (h *Hub) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if sub.campaignID != "" && sub.campaignID != evt.CampaignID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
