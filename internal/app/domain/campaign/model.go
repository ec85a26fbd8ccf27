package campaign

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/R3E-Network/fundraiser/internal/wallet"
)

// Status is the lifecycle state of a campaign.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusPublished Status = "PUBLISHED"
	StatusClosed    Status = "CLOSED"
	StatusExpired   Status = "EXPIRED"
)

// ParseStatus accepts any casing of a known status.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	switch s {
	case StatusDraft, StatusPublished, StatusClosed, StatusExpired:
		return s, nil
	default:
		return "", fmt.Errorf("unknown campaign status %q", raw)
	}
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusExpired
}

// CanTransition reports whether an owner may move a campaign from one status
// to another. EXPIRED is only ever set by the expiry job.
func CanTransition(from, to Status) bool {
	if from == to {
		return !from.Terminal()
	}
	switch from {
	case StatusDraft:
		return to == StatusPublished || to == StatusClosed
	case StatusPublished:
		return to == StatusDraft || to == StatusClosed
	default:
		return false
	}
}

const dateLayout = "2006-01-02"

// ParseDate accepts an RFC 3339 timestamp or a bare calendar date.
func ParseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want RFC3339 or YYYY-MM-DD", raw)
	}
	return t, nil
}

// Date is a time decoded from JSON with ParseDate.
type Date struct {
	time.Time
}

func (d *Date) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		d.Time = time.Time{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("date must be a string: %w", err)
	}
	if strings.TrimSpace(raw) == "" {
		d.Time = time.Time{}
		return nil
	}
	t, err := ParseDate(raw)
	if err != nil {
		return err
	}
	d.Time = t
	return nil
}

// Wallet is a receiving address a campaign accepts donations on.
type Wallet struct {
	Name    string `json:"name"`
	Address string `json:"walletAddress"`
}

// Campaign is a fundraiser owned by a user.
type Campaign struct {
	ID            string    `json:"id"`
	Owner         string    `json:"owner"`
	Title         string    `json:"title"`
	Story         string    `json:"story"`
	Image         string    `json:"image,omitempty"`
	Wallets       []Wallet  `json:"wallets"`
	Target        float64   `json:"target"`
	ExpiryDate    time.Time `json:"expiryDate"`
	Status        Status    `json:"status"`
	Raised        float64   `json:"raised"`
	DonationCount int       `json:"donationCount"`
	CreatedAt     time.Time `json:"createdDate"`
	UpdatedAt     time.Time `json:"updatedDate"`
}

// Clone returns a deep copy.
func (c Campaign) Clone() Campaign {
	c.Wallets = append([]Wallet{}, c.Wallets...)
	return c
}

// HasWallet reports whether addr is one of the campaign's wallets.
func (c Campaign) HasWallet(addr string) bool {
	for _, w := range c.Wallets {
		if wallet.Equal(w.Address, addr) {
			return true
		}
	}
	return false
}

// PastExpiry reports whether the campaign's expiry date is at or before now.
func (c Campaign) PastExpiry(now time.Time) bool {
	return !c.ExpiryDate.IsZero() && !now.Before(c.ExpiryDate)
}

// Filter narrows campaign listings. Zero values match everything.
type Filter struct {
	Owner  string
	Status Status
}

// Matches reports whether c satisfies the filter.
func (f Filter) Matches(c Campaign) bool {
	if f.Owner != "" && c.Owner != f.Owner {
		return false
	}
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	return true
}
