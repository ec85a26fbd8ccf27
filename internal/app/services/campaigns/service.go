package campaigns

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/R3E-Network/fundraiser/internal/app/domain/campaign"
	"github.com/R3E-Network/fundraiser/internal/app/metrics"
	"github.com/R3E-Network/fundraiser/internal/app/storage"
	svcerrors "github.com/R3E-Network/fundraiser/internal/errors"
	"github.com/R3E-Network/fundraiser/internal/wallet"
	"github.com/R3E-Network/fundraiser/pkg/logger"
)

// Client-facing messages.
const (
	MsgCampaignNotFound = "Campaign not found."
	MsgUserNotExist     = "User does not exist."
	MsgNotOwner         = "only the campaign owner can change it"
	MsgFutureExpiry     = "expiryDate must be in the future"
)

const maxTitleLength = 140

// Service manages campaigns.
type Service struct {
	campaigns storage.CampaignStore
	users     storage.UserStore
	now       func() time.Time
	log       *logger.Logger
}

// New constructs a campaign service.
func New(campaigns storage.CampaignStore, users storage.UserStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("campaigns")
	}
	return &Service{campaigns: campaigns, users: users, now: time.Now, log: log}
}

// CreateInput describes a new campaign.
type CreateInput struct {
	Title      string            `json:"title"`
	Story      string            `json:"story"`
	Image      string            `json:"image,omitempty"`
	Wallets    []campaign.Wallet `json:"wallets"`
	Target     float64           `json:"target"`
	ExpiryDate campaign.Date     `json:"expiryDate"`
	Status     string            `json:"status,omitempty"`
}

// UpdateInput changes any subset of the editable fields.
type UpdateInput struct {
	Title      *string            `json:"title,omitempty"`
	Story      *string            `json:"story,omitempty"`
	Image      *string            `json:"image,omitempty"`
	Wallets    *[]campaign.Wallet `json:"wallets,omitempty"`
	Target     *float64           `json:"target,omitempty"`
	ExpiryDate *campaign.Date     `json:"expiryDate,omitempty"`
}

// Create stores a campaign for ownerID. The store links it to the owner.
func (s *Service) Create(ctx context.Context, ownerID string, in CreateInput) (campaign.Campaign, error) {
	if _, err := s.users.GetUser(ctx, ownerID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return campaign.Campaign{}, svcerrors.Unauthorized(MsgUserNotExist)
		}
		return campaign.Campaign{}, svcerrors.Internal("failed to load owner", err)
	}

	status := campaign.StatusDraft
	if strings.TrimSpace(in.Status) != "" {
		parsed, err := campaign.ParseStatus(in.Status)
		if err != nil {
			return campaign.Campaign{}, svcerrors.BadRequest(err.Error())
		}
		if !campaign.CanTransition(campaign.StatusDraft, parsed) || parsed == campaign.StatusClosed {
			return campaign.Campaign{}, svcerrors.BadRequest(fmt.Sprintf("a new campaign cannot start as %s", parsed))
		}
		status = parsed
	}

	c := campaign.Campaign{
		Owner:      ownerID,
		Title:      strings.TrimSpace(in.Title),
		Story:      strings.TrimSpace(in.Story),
		Image:      strings.TrimSpace(in.Image),
		Wallets:    in.Wallets,
		Target:     in.Target,
		ExpiryDate: in.ExpiryDate.UTC(),
		Status:     status,
	}
	if err := s.validate(&c); err != nil {
		return campaign.Campaign{}, err
	}
	if !c.ExpiryDate.IsZero() && c.PastExpiry(s.now()) {
		return campaign.Campaign{}, svcerrors.BadRequest(MsgFutureExpiry)
	}
	if status == campaign.StatusPublished && c.ExpiryDate.IsZero() {
		return campaign.Campaign{}, svcerrors.BadRequest(MsgFutureExpiry)
	}

	created, err := s.campaigns.CreateCampaign(ctx, c)
	if errors.Is(err, storage.ErrNotFound) {
		return campaign.Campaign{}, svcerrors.Unauthorized(MsgUserNotExist)
	}
	if err != nil {
		return campaign.Campaign{}, svcerrors.Internal("failed to create campaign", err)
	}

	s.log.WithField("campaign_id", created.ID).WithField("owner", ownerID).Info("campaign created")
	return created, nil
}

// List returns campaigns matching the optional owner and status filters.
func (s *Service) List(ctx context.Context, owner, status string) ([]campaign.Campaign, error) {
	filter := campaign.Filter{Owner: strings.TrimSpace(owner)}
	if strings.TrimSpace(status) != "" {
		parsed, err := campaign.ParseStatus(status)
		if err != nil {
			return nil, svcerrors.BadRequest(err.Error())
		}
		filter.Status = parsed
	}
	list, err := s.campaigns.ListCampaigns(ctx, filter)
	if err != nil {
		return nil, svcerrors.Internal("failed to list campaigns", err)
	}
	return list, nil
}

// Get returns one campaign.
func (s *Service) Get(ctx context.Context, id string) (campaign.Campaign, error) {
	c, err := s.campaigns.GetCampaign(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return campaign.Campaign{}, svcerrors.NotFound("campaign", id).WithMessage(MsgCampaignNotFound)
	}
	if err != nil {
		return campaign.Campaign{}, svcerrors.Internal("failed to load campaign", err)
	}
	return c, nil
}

// Update edits a campaign the actor owns. Terminal campaigns are frozen.
func (s *Service) Update(ctx context.Context, actorID, id string, in UpdateInput) (campaign.Campaign, error) {
	c, err := s.owned(ctx, actorID, id)
	if err != nil {
		return campaign.Campaign{}, err
	}
	if c.Status.Terminal() {
		return campaign.Campaign{}, svcerrors.Conflict(fmt.Sprintf("campaign is %s and can no longer be edited", c.Status))
	}

	if in.Title != nil {
		c.Title = strings.TrimSpace(*in.Title)
	}
	if in.Story != nil {
		c.Story = strings.TrimSpace(*in.Story)
	}
	if in.Image != nil {
		c.Image = strings.TrimSpace(*in.Image)
	}
	if in.Wallets != nil {
		c.Wallets = *in.Wallets
	}
	if in.Target != nil {
		c.Target = *in.Target
	}
	if in.ExpiryDate != nil {
		c.ExpiryDate = in.ExpiryDate.UTC()
		if c.PastExpiry(s.now()) {
			return campaign.Campaign{}, svcerrors.BadRequest(MsgFutureExpiry)
		}
	}
	if err := s.validate(&c); err != nil {
		return campaign.Campaign{}, err
	}

	updated, err := s.campaigns.UpdateCampaign(ctx, c)
	if errors.Is(err, storage.ErrStatusConflict) {
		return campaign.Campaign{}, svcerrors.Conflict("campaign was closed or expired and can no longer be edited")
	}
	if err != nil {
		return campaign.Campaign{}, svcerrors.Internal("failed to update campaign", err)
	}
	s.log.WithField("campaign_id", id).Info("campaign updated")
	return updated, nil
}

// UpdateStatus moves a campaign through its lifecycle on behalf of its owner.
func (s *Service) UpdateStatus(ctx context.Context, actorID, id, rawStatus string) (campaign.Campaign, error) {
	next, err := campaign.ParseStatus(rawStatus)
	if err != nil {
		return campaign.Campaign{}, svcerrors.BadRequest(err.Error())
	}
	c, err := s.owned(ctx, actorID, id)
	if err != nil {
		return campaign.Campaign{}, err
	}
	if !campaign.CanTransition(c.Status, next) {
		return campaign.Campaign{}, svcerrors.Conflict(fmt.Sprintf("cannot move campaign from %s to %s", c.Status, next)).
			WithDetails("from", string(c.Status)).
			WithDetails("to", string(next))
	}
	if next == campaign.StatusPublished && (c.ExpiryDate.IsZero() || c.PastExpiry(s.now())) {
		return campaign.Campaign{}, svcerrors.BadRequest(MsgFutureExpiry)
	}
	if next == c.Status {
		return c, nil
	}

	updated, err := s.campaigns.UpdateCampaignStatus(ctx, id, c.Status, next)
	if errors.Is(err, storage.ErrStatusConflict) {
		return campaign.Campaign{}, svcerrors.Conflict("campaign status changed, reload and retry").
			WithDetails("from", string(c.Status)).
			WithDetails("to", string(next))
	}
	if err != nil {
		return campaign.Campaign{}, svcerrors.Internal("failed to update campaign status", err)
	}
	s.log.WithField("campaign_id", id).
		WithField("from", c.Status).
		WithField("to", next).
		Info("campaign status changed")
	return updated, nil
}

// ExpireDue moves every published campaign past its expiry date to EXPIRED
// and returns how many changed.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	due, err := s.campaigns.ListExpiring(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("list expiring campaigns: %w", err)
	}
	expired := 0
	for _, c := range due {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		_, err := s.campaigns.UpdateCampaignStatus(ctx, c.ID, campaign.StatusPublished, campaign.StatusExpired)
		if errors.Is(err, storage.ErrStatusConflict) {
			s.log.WithField("campaign_id", c.ID).Debug("campaign left PUBLISHED before expiry")
			continue
		}
		if err != nil {
			s.log.WithError(err).WithField("campaign_id", c.ID).Warn("failed to expire campaign")
			continue
		}
		expired++
	}
	if expired > 0 {
		metrics.RecordCampaignsExpired(expired)
		s.log.WithField("count", expired).Info("campaigns expired")
	}
	return expired, nil
}

func (s *Service) owned(ctx context.Context, actorID, id string) (campaign.Campaign, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return campaign.Campaign{}, err
	}
	if c.Owner != actorID {
		return campaign.Campaign{}, svcerrors.Forbidden(MsgNotOwner)
	}
	return c, nil
}

func (s *Service) validate(c *campaign.Campaign) error {
	if c.Title == "" {
		return svcerrors.BadRequest("title is required")
	}
	if utf8.RuneCountInString(c.Title) > maxTitleLength {
		return svcerrors.BadRequest(fmt.Sprintf("title must be at most %d characters", maxTitleLength))
	}
	if c.Story == "" {
		return svcerrors.BadRequest("story is required")
	}
	if c.Target <= 0 {
		return svcerrors.BadRequest("target must be greater than zero")
	}
	wallets, err := normalizeWallets(c.Wallets)
	if err != nil {
		return err
	}
	c.Wallets = wallets
	return nil
}

func normalizeWallets(in []campaign.Wallet) ([]campaign.Wallet, error) {
	if len(in) == 0 {
		return nil, svcerrors.BadRequest("at least one wallet is required")
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]campaign.Wallet, 0, len(in))
	for i, w := range in {
		addr := strings.TrimSpace(w.Address)
		if err := wallet.Validate(addr); err != nil {
			return nil, svcerrors.InvalidFormat("walletAddress", "an EVM or Neo N3 address").
				WithDetails("index", i).
				WithDetails("reason", err.Error())
		}
		norm := wallet.Normalize(addr)
		if _, dup := seen[norm]; dup {
			return nil, svcerrors.BadRequest(fmt.Sprintf("wallet %s is listed twice", addr))
		}
		seen[norm] = struct{}{}
		out = append(out, campaign.Wallet{Name: strings.TrimSpace(w.Name), Address: addr})
	}
	return out, nil
}
