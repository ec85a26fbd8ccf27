package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/R3E-Network/fundraiser/internal/app/domain/campaign"
	"github.com/R3E-Network/fundraiser/internal/app/domain/donation"
	"github.com/R3E-Network/fundraiser/internal/app/domain/user"
	"github.com/R3E-Network/fundraiser/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu              sync.RWMutex
	nextID          int64
	seq             map[string]int64
	users           map[string]user.User
	usersByEmail    map[string]string
	usersByAlias    map[string]string
	campaigns       map[string]campaign.Campaign
	donations       map[string]donation.Donation
	donationsByTx   map[string]string
	donationsByCamp map[string][]string
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.OTPStore = (*Store)(nil)
var _ storage.CampaignStore = (*Store)(nil)
var _ storage.DonationStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:          1,
		seq:             make(map[string]int64),
		users:           make(map[string]user.User),
		usersByEmail:    make(map[string]string),
		usersByAlias:    make(map[string]string),
		campaigns:       make(map[string]campaign.Campaign),
		donations:       make(map[string]donation.Donation),
		donationsByTx:   make(map[string]string),
		donationsByCamp: make(map[string][]string),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// assignIDLocked fills an empty id and records insertion order.
func (s *Store) assignIDLocked(id string) string {
	seq := s.nextID
	if id == "" {
		id = s.nextIDLocked()
	} else {
		s.nextID++
	}
	s.seq[id] = seq
	return id
}

func key(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// UserStore implementation ----------------------------------------------------

func (s *Store) CreateUser(_ context.Context, u user.User) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[u.ID]; u.ID != "" && exists {
		return user.User{}, fmt.Errorf("user %s already exists", u.ID)
	}
	if _, taken := s.usersByEmail[key(u.Email)]; taken {
		return user.User{}, &storage.DuplicateError{Field: storage.FieldEmail, Value: u.Email}
	}
	if _, taken := s.usersByAlias[key(u.Alias)]; taken {
		return user.User{}, &storage.DuplicateError{Field: storage.FieldAlias, Value: u.Alias}
	}

	u.ID = s.assignIDLocked(u.ID)
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	u = u.Clone()

	s.users[u.ID] = u
	s.usersByEmail[key(u.Email)] = u.ID
	s.usersByAlias[key(u.Alias)] = u.ID
	return u.Clone(), nil
}

func (s *Store) UpdateUser(_ context.Context, u user.User) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.users[u.ID]
	if !ok {
		return user.User{}, storage.ErrNotFound
	}
	if owner, taken := s.usersByEmail[key(u.Email)]; taken && owner != u.ID {
		return user.User{}, &storage.DuplicateError{Field: storage.FieldEmail, Value: u.Email}
	}
	if owner, taken := s.usersByAlias[key(u.Alias)]; taken && owner != u.ID {
		return user.User{}, &storage.DuplicateError{Field: storage.FieldAlias, Value: u.Alias}
	}

	delete(s.usersByEmail, key(original.Email))
	delete(s.usersByAlias, key(original.Alias))

	u.CreatedAt = original.CreatedAt
	u.UpdatedAt = time.Now().UTC()
	u.Campaigns = original.Campaigns
	u.OTP = original.OTP
	u = u.Clone()

	s.users[u.ID] = u
	s.usersByEmail[key(u.Email)] = u.ID
	s.usersByAlias[key(u.Alias)] = u.ID
	return u.Clone(), nil
}

func (s *Store) GetUser(_ context.Context, id string) (user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return user.User{}, storage.ErrNotFound
	}
	return u.Clone(), nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (user.User, error) {
	s.mu.RLock()
	id, ok := s.usersByEmail[key(email)]
	s.mu.RUnlock()
	if !ok {
		return user.User{}, storage.ErrNotFound
	}
	return s.GetUser(ctx, id)
}

func (s *Store) GetUserByAlias(ctx context.Context, alias string) (user.User, error) {
	s.mu.RLock()
	id, ok := s.usersByAlias[key(alias)]
	s.mu.RUnlock()
	if !ok {
		return user.User{}, storage.ErrNotFound
	}
	return s.GetUser(ctx, id)
}

func (s *Store) ListUsers(_ context.Context) ([]user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]user.User, 0, len(s.users))
	for _, u := range s.users {
		result = append(result, u.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return s.seq[result[i].ID] < s.seq[result[j].ID] })
	return result, nil
}

// OTPStore implementation -----------------------------------------------------

func (s *Store) SaveOTP(_ context.Context, userID string, otp user.OTP) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return storage.ErrNotFound
	}
	otp.Failures = 0
	u.OTP = &otp
	s.users[userID] = u
	return nil
}

func (s *Store) GetOTP(_ context.Context, userID string) (user.OTP, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok || u.OTP == nil {
		return user.OTP{}, storage.ErrNotFound
	}
	return *u.OTP, nil
}

func (s *Store) DeleteOTP(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return storage.ErrNotFound
	}
	u.OTP = nil
	s.users[userID] = u
	return nil
}

func (s *Store) RecordOTPFailure(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok || u.OTP == nil {
		return 0, storage.ErrNotFound
	}
	otp := *u.OTP
	otp.Failures++
	u.OTP = &otp
	s.users[userID] = u
	return otp.Failures, nil
}

// CampaignStore implementation ------------------------------------------------

func (s *Store) CreateCampaign(_ context.Context, c campaign.Campaign) (campaign.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.campaigns[c.ID]; c.ID != "" && exists {
		return campaign.Campaign{}, fmt.Errorf("campaign %s already exists", c.ID)
	}
	owner, hasOwner := s.users[c.Owner]
	if c.Owner != "" && !hasOwner {
		return campaign.Campaign{}, storage.ErrNotFound
	}

	c.ID = s.assignIDLocked(c.ID)
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	c.Raised = 0
	c.DonationCount = 0

	s.campaigns[c.ID] = c.Clone()
	if hasOwner {
		owner = owner.Clone()
		owner.Campaigns = append(owner.Campaigns, c.ID)
		owner.UpdatedAt = now
		s.users[owner.ID] = owner
	}
	return c.Clone(), nil
}

// UpdateCampaign replaces the editable fields. Status, Raised and
// DonationCount are owned by their own writes and are never overwritten here.
func (s *Store) UpdateCampaign(_ context.Context, c campaign.Campaign) (campaign.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.campaigns[c.ID]
	if !ok {
		return campaign.Campaign{}, storage.ErrNotFound
	}
	if original.Status.Terminal() {
		return campaign.Campaign{}, storage.ErrStatusConflict
	}

	c.Owner = original.Owner
	c.Status = original.Status
	c.CreatedAt = original.CreatedAt
	c.Raised = original.Raised
	c.DonationCount = original.DonationCount
	c.UpdatedAt = time.Now().UTC()

	s.campaigns[c.ID] = c.Clone()
	return c.Clone(), nil
}

func (s *Store) UpdateCampaignStatus(_ context.Context, id string, from, to campaign.Status) (campaign.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return campaign.Campaign{}, storage.ErrNotFound
	}
	if c.Status != from {
		return campaign.Campaign{}, storage.ErrStatusConflict
	}
	c.Status = to
	c.UpdatedAt = time.Now().UTC()
	s.campaigns[id] = c
	return c.Clone(), nil
}

func (s *Store) GetCampaign(_ context.Context, id string) (campaign.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.campaigns[id]
	if !ok {
		return campaign.Campaign{}, storage.ErrNotFound
	}
	return c.Clone(), nil
}

func (s *Store) ListCampaigns(_ context.Context, filter campaign.Filter) ([]campaign.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]campaign.Campaign, 0)
	for _, c := range s.campaigns {
		if filter.Matches(c) {
			result = append(result, c.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return s.seq[result[i].ID] < s.seq[result[j].ID] })
	return result, nil
}

func (s *Store) ListExpiring(_ context.Context, now time.Time) ([]campaign.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]campaign.Campaign, 0)
	for _, c := range s.campaigns {
		if c.Status == campaign.StatusPublished && c.PastExpiry(now) {
			result = append(result, c.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return s.seq[result[i].ID] < s.seq[result[j].ID] })
	return result, nil
}

// DonationStore implementation ------------------------------------------------

func (s *Store) CreateDonation(_ context.Context, d donation.Donation) (donation.Donation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	camp, ok := s.campaigns[d.CampaignID]
	if !ok {
		return donation.Donation{}, storage.ErrNotFound
	}
	if _, taken := s.donationsByTx[key(d.TransactionID)]; taken {
		return donation.Donation{}, &storage.DuplicateError{Field: storage.FieldTransactionID, Value: d.TransactionID}
	}

	d.ID = s.assignIDLocked(d.ID)
	d.CreatedAt = time.Now().UTC()
	d.IsVerified = false
	d.VerifiedAt = nil

	s.donations[d.ID] = d.Clone()
	s.donationsByTx[key(d.TransactionID)] = d.ID
	s.donationsByCamp[d.CampaignID] = append(s.donationsByCamp[d.CampaignID], d.ID)

	camp.DonationCount++
	s.campaigns[camp.ID] = camp
	return d.Clone(), nil
}

func (s *Store) GetDonation(_ context.Context, id string) (donation.Donation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.donations[id]
	if !ok {
		return donation.Donation{}, storage.ErrNotFound
	}
	return d.Clone(), nil
}

func (s *Store) GetDonationByTransaction(ctx context.Context, transactionID string) (donation.Donation, error) {
	s.mu.RLock()
	id, ok := s.donationsByTx[key(transactionID)]
	s.mu.RUnlock()
	if !ok {
		return donation.Donation{}, storage.ErrNotFound
	}
	return s.GetDonation(ctx, id)
}

// ListDonations returns a campaign's donations, newest first.
func (s *Store) ListDonations(_ context.Context, campaignID string) ([]donation.Donation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.donationsByCamp[campaignID]
	result := make([]donation.Donation, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		result = append(result, s.donations[ids[i]].Clone())
	}
	return result, nil
}

// ListUnverifiedDonations returns the oldest unverified donations first.
func (s *Store) ListUnverifiedDonations(_ context.Context, limit int) ([]donation.Donation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]donation.Donation, 0)
	for _, d := range s.donations {
		if !d.IsVerified {
			result = append(result, d.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return s.seq[result[i].ID] < s.seq[result[j].ID] })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) VerifyDonation(_ context.Context, id string, at time.Time) (donation.Donation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.donations[id]
	if !ok {
		return donation.Donation{}, false, storage.ErrNotFound
	}
	if d.IsVerified {
		return d.Clone(), false, nil
	}

	at = at.UTC()
	d.IsVerified = true
	d.VerifiedAt = &at
	s.donations[id] = d

	if camp, ok := s.campaigns[d.CampaignID]; ok {
		camp.Raised += d.Amount
		s.campaigns[camp.ID] = camp
	}
	return d.Clone(), true, nil
}
