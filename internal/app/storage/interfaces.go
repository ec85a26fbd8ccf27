package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/R3E-Network/fundraiser/internal/app/domain/campaign"
	"github.com/R3E-Network/fundraiser/internal/app/domain/donation"
	"github.com/R3E-Network/fundraiser/internal/app/domain/user"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrStatusConflict is returned when a campaign is no longer in the status a
// write expected, or is terminal and cannot be edited.
var ErrStatusConflict = errors.New("campaign status changed")

// DuplicateError reports a unique constraint violation on Field.
type DuplicateError struct {
	Field string
	Value string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Field, e.Value)
}

// IsDuplicate reports whether err is a unique violation on field. An empty
// field matches any duplicate.
func IsDuplicate(err error, field string) bool {
	var dup *DuplicateError
	if !errors.As(err, &dup) {
		return false
	}
	return field == "" || dup.Field == field
}

// Unique field names reported through DuplicateError.
const (
	FieldEmail         = "email"
	FieldAlias         = "alias"
	FieldTransactionID = "transaction_id"
)

// UserStore persists user records. Email and alias are unique,
// case-insensitively. UpdateUser writes profile fields only; the campaign list
// and pending OTP are owned by the campaign and OTP writes.
type UserStore interface {
	CreateUser(ctx context.Context, u user.User) (user.User, error)
	UpdateUser(ctx context.Context, u user.User) (user.User, error)
	GetUser(ctx context.Context, id string) (user.User, error)
	GetUserByEmail(ctx context.Context, email string) (user.User, error)
	GetUserByAlias(ctx context.Context, alias string) (user.User, error)
	ListUsers(ctx context.Context) ([]user.User, error)
}

// OTPStore holds pending one-time passwords keyed by user id. SaveOTP resets
// the failure count.
type OTPStore interface {
	SaveOTP(ctx context.Context, userID string, otp user.OTP) error
	GetOTP(ctx context.Context, userID string) (user.OTP, error)
	DeleteOTP(ctx context.Context, userID string) error
	// RecordOTPFailure counts a wrong guess against the pending code and
	// returns the failures so far. ErrNotFound when no code is pending.
	RecordOTPFailure(ctx context.Context, userID string) (int, error)
}

// CampaignStore persists campaigns. CreateCampaign links the campaign to its
// owner in the same write and returns ErrNotFound for an unknown owner.
type CampaignStore interface {
	CreateCampaign(ctx context.Context, c campaign.Campaign) (campaign.Campaign, error)
	// UpdateCampaign writes the editable fields. Status is left alone and
	// terminal campaigns are refused with ErrStatusConflict.
	UpdateCampaign(ctx context.Context, c campaign.Campaign) (campaign.Campaign, error)
	// UpdateCampaignStatus moves a campaign from one status to another,
	// returning ErrStatusConflict when it is no longer in from.
	UpdateCampaignStatus(ctx context.Context, id string, from, to campaign.Status) (campaign.Campaign, error)
	GetCampaign(ctx context.Context, id string) (campaign.Campaign, error)
	ListCampaigns(ctx context.Context, filter campaign.Filter) ([]campaign.Campaign, error)
	// ListExpiring returns published campaigns whose expiry is at or before now.
	ListExpiring(ctx context.Context, now time.Time) ([]campaign.Campaign, error)
}

// DonationStore persists donations. CreateDonation bumps the campaign's
// donation count and VerifyDonation adds the amount to the campaign's raised
// total, each atomically with the donation write.
type DonationStore interface {
	CreateDonation(ctx context.Context, d donation.Donation) (donation.Donation, error)
	GetDonation(ctx context.Context, id string) (donation.Donation, error)
	GetDonationByTransaction(ctx context.Context, transactionID string) (donation.Donation, error)
	ListDonations(ctx context.Context, campaignID string) ([]donation.Donation, error)
	ListUnverifiedDonations(ctx context.Context, limit int) ([]donation.Donation, error)
	// VerifyDonation marks the donation verified. changed is false when it was
	// already verified, in which case totals are left alone.
	VerifyDonation(ctx context.Context, id string, at time.Time) (d donation.Donation, changed bool, err error)
}
