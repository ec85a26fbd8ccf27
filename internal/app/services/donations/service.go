package donations

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/R3E-Network/fundraiser/internal/app/domain/campaign"
	"github.com/R3E-Network/fundraiser/internal/app/domain/donation"
	"github.com/R3E-Network/fundraiser/internal/app/events"
	"github.com/R3E-Network/fundraiser/internal/app/metrics"
	"github.com/R3E-Network/fundraiser/internal/app/notify"
	"github.com/R3E-Network/fundraiser/internal/app/storage"
	svcerrors "github.com/R3E-Network/fundraiser/internal/errors"
	"github.com/R3E-Network/fundraiser/pkg/logger"
)

// Client-facing messages.
const (
	MsgCampaignNotFound = "Campaign not found."
	MsgDonationNotFound = "Donation not found."
	MsgDuplicateTx      = "transaction already recorded"
	MsgNotAccepting     = "campaign is not accepting donations"
	MsgUnknownWallet    = "wallet address does not belong to this campaign"
	MsgNotOwner         = "only the campaign owner can verify donations"
)

// Verification sources, used in logs and metrics.
const (
	SourceOwner     = "owner"
	SourceScheduler = "scheduler"
)

const (
	defaultReceiptTimeout = 15 * time.Second
	defaultPendingBatch   = 50
)

// Service records and verifies donations.
type Service struct {
	donations storage.DonationStore
	campaigns storage.CampaignStore
	verifier  Verifier
	mailer    notify.Notifier
	events    events.Publisher
	now       func() time.Time
	log       *logger.Logger

	receiptTimeout time.Duration
	wg             sync.WaitGroup
}

// New constructs a donation service.
func New(donations storage.DonationStore, campaigns storage.CampaignStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("donations")
	}
	return &Service{
		donations:      donations,
		campaigns:      campaigns,
		now:            time.Now,
		log:            log,
		receiptTimeout: defaultReceiptTimeout,
	}
}

// AttachDependencies wires the optional collaborators. Nil values leave the
// corresponding feature off.
func (s *Service) AttachDependencies(verifier Verifier, mailer notify.Notifier, publisher events.Publisher) {
	s.verifier = verifier
	s.mailer = mailer
	s.events = publisher
}

// AddInput is the donation payload.
type AddInput struct {
	CampaignID    string          `json:"campaignId"`
	TransactionID string          `json:"transactionId"`
	WalletAddress string          `json:"walletAddress"`
	IsAnonymous   bool            `json:"isAnonymous"`
	Amount        float64         `json:"amount"`
	Donor         *donation.Donor `json:"donor,omitempty"`
	EmailReceipt  string          `json:"emailReceipt,omitempty"`
}

// ListForCampaign returns a campaign's donations newest first, redacted for
// public display.
func (s *Service) ListForCampaign(ctx context.Context, campaignID string) ([]donation.Donation, error) {
	if _, err := s.campaign(ctx, campaignID); err != nil {
		return nil, err
	}
	list, err := s.donations.ListDonations(ctx, campaignID)
	if err != nil {
		return nil, svcerrors.Internal("failed to list donations", err)
	}
	out := make([]donation.Donation, 0, len(list))
	for _, d := range list {
		out = append(out, d.Public())
	}
	return out, nil
}

// Add records a donation against a published campaign.
func (s *Service) Add(ctx context.Context, in AddInput) (donation.Donation, error) {
	in.CampaignID = strings.TrimSpace(in.CampaignID)
	in.TransactionID = strings.TrimSpace(in.TransactionID)
	in.WalletAddress = strings.TrimSpace(in.WalletAddress)
	in.EmailReceipt = strings.TrimSpace(in.EmailReceipt)

	switch {
	case in.CampaignID == "":
		return donation.Donation{}, svcerrors.BadRequest("campaignId is required")
	case in.TransactionID == "":
		return donation.Donation{}, svcerrors.BadRequest("transactionId is required")
	case in.WalletAddress == "":
		return donation.Donation{}, svcerrors.BadRequest("walletAddress is required")
	case in.Amount <= 0:
		return donation.Donation{}, svcerrors.BadRequest("amount must be greater than zero")
	}
	if in.EmailReceipt != "" {
		if addr, err := mail.ParseAddress(in.EmailReceipt); err != nil || addr.Address != in.EmailReceipt {
			return donation.Donation{}, svcerrors.InvalidFormat("emailReceipt", "an email address")
		}
	}

	c, err := s.campaign(ctx, in.CampaignID)
	if err != nil {
		return donation.Donation{}, err
	}
	if c.Status != campaign.StatusPublished || c.PastExpiry(s.now()) {
		return donation.Donation{}, svcerrors.BadRequest(MsgNotAccepting).WithDetails("status", string(c.Status))
	}
	if !c.HasWallet(in.WalletAddress) {
		return donation.Donation{}, svcerrors.BadRequest(MsgUnknownWallet)
	}

	if _, err := s.donations.GetDonationByTransaction(ctx, in.TransactionID); err == nil {
		return donation.Donation{}, svcerrors.Conflict(MsgDuplicateTx)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return donation.Donation{}, svcerrors.Internal("failed to check transaction", err)
	}

	created, err := s.donations.CreateDonation(ctx, donation.Donation{
		TransactionID: in.TransactionID,
		CampaignID:    c.ID,
		WalletAddress: in.WalletAddress,
		Donor:         in.Donor,
		IsAnonymous:   in.IsAnonymous,
		EmailReceipt:  in.EmailReceipt,
		Amount:        in.Amount,
	})
	switch {
	case storage.IsDuplicate(err, storage.FieldTransactionID):
		return donation.Donation{}, svcerrors.Conflict(MsgDuplicateTx)
	case errors.Is(err, storage.ErrNotFound):
		return donation.Donation{}, svcerrors.NotFound("campaign", c.ID).WithMessage(MsgCampaignNotFound)
	case err != nil:
		return donation.Donation{}, svcerrors.Internal("failed to record donation", err)
	}

	metrics.RecordDonationCreated()
	s.log.WithField("donation_id", created.ID).
		WithField("campaign_id", c.ID).
		Info("donation recorded")
	s.publish(events.DonationCreated, created)
	s.sendReceipt(created, c)
	return created, nil
}

// Summary totals a campaign's donations.
func (s *Service) Summary(ctx context.Context, campaignID string) (donation.Summary, error) {
	c, err := s.campaign(ctx, campaignID)
	if err != nil {
		return donation.Summary{}, err
	}
	list, err := s.donations.ListDonations(ctx, campaignID)
	if err != nil {
		return donation.Summary{}, svcerrors.Internal("failed to list donations", err)
	}
	return donation.Summarize(c.ID, c.Target, list), nil
}

// Verify is the owner-triggered verification of one donation.
func (s *Service) Verify(ctx context.Context, actorID, donationID string) (donation.Donation, error) {
	d, err := s.donations.GetDonation(ctx, donationID)
	if errors.Is(err, storage.ErrNotFound) {
		return donation.Donation{}, svcerrors.NotFound("donation", donationID).WithMessage(MsgDonationNotFound)
	}
	if err != nil {
		return donation.Donation{}, svcerrors.Internal("failed to load donation", err)
	}
	c, err := s.campaign(ctx, d.CampaignID)
	if err != nil {
		return donation.Donation{}, err
	}
	if c.Owner != actorID {
		return donation.Donation{}, svcerrors.Forbidden(MsgNotOwner)
	}
	if d.IsVerified {
		return d, nil
	}

	verified, result, err := s.verify(ctx, d, SourceOwner)
	if err != nil {
		if se := svcerrors.GetServiceError(err); se != nil {
			return donation.Donation{}, se
		}
		return donation.Donation{}, svcerrors.Internal("failed to verify transaction", err)
	}
	if !result.Confirmed {
		return donation.Donation{}, svcerrors.Conflict("transaction could not be verified: " + result.Reason)
	}
	return verified, nil
}

// VerifyPending checks up to limit unverified donations and returns how many
// were confirmed. Individual failures are logged and skipped.
func (s *Service) VerifyPending(ctx context.Context, limit int) (int, error) {
	if s.verifier == nil {
		return 0, nil
	}
	if limit <= 0 {
		limit = defaultPendingBatch
	}
	pending, err := s.donations.ListUnverifiedDonations(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list unverified donations: %w", err)
	}

	confirmed := 0
	for _, d := range pending {
		if err := ctx.Err(); err != nil {
			return confirmed, err
		}
		_, result, err := s.verify(ctx, d, SourceScheduler)
		if err != nil {
			s.log.WithError(err).WithField("donation_id", d.ID).Warn("donation verification failed")
			continue
		}
		if result.Confirmed {
			confirmed++
		}
	}
	return confirmed, nil
}

func (s *Service) verify(ctx context.Context, d donation.Donation, source string) (donation.Donation, Result, error) {
	if s.verifier == nil {
		return donation.Donation{}, Result{}, svcerrors.Unavailable("transaction verification is not configured")
	}
	result, err := s.verifier.Verify(ctx, Check{
		TransactionID: d.TransactionID,
		WalletAddress: d.WalletAddress,
		Amount:        d.Amount,
	})
	if err != nil {
		return donation.Donation{}, Result{}, err
	}
	if !result.Confirmed {
		s.log.WithField("donation_id", d.ID).WithField("reason", result.Reason).Debug("donation not yet confirmed")
		return d, result, nil
	}

	verified, changed, err := s.donations.VerifyDonation(ctx, d.ID, s.now().UTC())
	if err != nil {
		return donation.Donation{}, Result{}, fmt.Errorf("mark donation verified: %w", err)
	}
	if changed {
		metrics.RecordDonationVerified(source, verified.Amount)
		s.log.WithField("donation_id", d.ID).WithField("source", source).Info("donation verified")
		s.publish(events.DonationVerified, verified)
	}
	return verified, result, nil
}

func (s *Service) campaign(ctx context.Context, id string) (campaign.Campaign, error) {
	c, err := s.campaigns.GetCampaign(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return campaign.Campaign{}, svcerrors.NotFound("campaign", id).WithMessage(MsgCampaignNotFound)
	}
	if err != nil {
		return campaign.Campaign{}, svcerrors.Internal("failed to load campaign", err)
	}
	return c, nil
}

func (s *Service) publish(kind string, d donation.Donation) {
	if s.events == nil {
		return
	}
	s.events.Publish(events.Event{Type: kind, CampaignID: d.CampaignID, Donation: d.Public(), At: s.now().UTC()})
}

// sendReceipt mails the donor in the background. Failures are logged only.
func (s *Service) sendReceipt(d donation.Donation, c campaign.Campaign) {
	if s.mailer == nil || d.EmailReceipt == "" {
		return
	}
	msg := notify.ReceiptMessage(d, c)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.receiptTimeout)
		defer cancel()
		if err := s.mailer.Send(ctx, msg); err != nil {
			s.log.WithError(err).WithField("donation_id", d.ID).Warn("donation receipt not sent")
		}
	}()
}

// Wait blocks until in-flight receipt mails finish.
func (s *Service) Wait() {
	s.wg.Wait()
}
