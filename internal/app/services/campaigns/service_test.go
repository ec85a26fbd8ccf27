package campaigns

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/R3E-Network/fundraiser/internal/app/domain/campaign"
	"github.com/R3E-Network/fundraiser/internal/app/domain/user"
	"github.com/R3E-Network/fundraiser/internal/app/storage"
	"github.com/R3E-Network/fundraiser/internal/app/storage/memory"
	svcerrors "github.com/R3E-Network/fundraiser/internal/errors"
	"github.com/R3E-Network/fundraiser/pkg/logger"
)

const (
	walletA = "0x52908400098527886e0f7030069857d2e4169ee7"
	walletB = "0x8617e340b3d01fa5f11f306f4090fd50e238070d"
)

func setup(t *testing.T) (*Service, *memory.Store, user.User) {
	t.Helper()
	store := memory.New()
	owner, err := store.CreateUser(context.Background(), user.User{Email: "owner@example.com", Alias: "owner"})
	if err != nil {
		t.Fatalf("create owner: %v", err)
	}
	return New(store, store, logger.NewNop()), store, owner
}

// hookStore runs callbacks between the reads and writes the service makes.
type hookStore struct {
	*memory.Store
	afterList   func()
	beforeWrite func()
}

var _ storage.CampaignStore = (*hookStore)(nil)

func (h *hookStore) ListExpiring(ctx context.Context, now time.Time) ([]campaign.Campaign, error) {
	list, err := h.Store.ListExpiring(ctx, now)
	if h.afterList != nil {
		h.afterList()
	}
	return list, err
}

func (h *hookStore) write() {
	if h.beforeWrite != nil {
		h.beforeWrite()
		h.beforeWrite = nil
	}
}

func (h *hookStore) UpdateCampaign(ctx context.Context, c campaign.Campaign) (campaign.Campaign, error) {
	h.write()
	return h.Store.UpdateCampaign(ctx, c)
}

func (h *hookStore) UpdateCampaignStatus(ctx context.Context, id string, from, to campaign.Status) (campaign.Campaign, error) {
	h.write()
	return h.Store.UpdateCampaignStatus(ctx, id, from, to)
}

func validInput() CreateInput {
	return CreateInput{
		Title:      "Clean water",
		Story:      "A well for the village",
		Wallets:    []campaign.Wallet{{Name: "main", Address: walletA}},
		Target:     1000,
		ExpiryDate: campaign.Date{Time: time.Now().Add(30 * 24 * time.Hour)},
	}
}

func status(err error) int {
	return svcerrors.HTTPStatus(err)
}

func TestCreateLinksOwner(t *testing.T) {
	svc, store, owner := setup(t)
	ctx := context.Background()

	c, err := svc.Create(ctx, owner.ID, validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.Status != campaign.StatusDraft || c.Owner != owner.ID {
		t.Fatalf("unexpected campaign: %+v", c)
	}

	reloaded, err := store.GetUser(ctx, owner.ID)
	if err != nil {
		t.Fatalf("get owner: %v", err)
	}
	if !reloaded.HasCampaign(c.ID) {
		t.Fatalf("campaign %s not appended to owner", c.ID)
	}

	list, err := svc.List(ctx, "", "")
	if err != nil || len(list) != 1 {
		t.Fatalf("expected 1 campaign, got %d (%v)", len(list), err)
	}
}

func TestCreateUnknownOwner(t *testing.T) {
	svc, _, _ := setup(t)
	_, err := svc.Create(context.Background(), "ghost", validInput())
	if status(err) != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _, owner := setup(t)
	ctx := context.Background()

	mutate := []func(*CreateInput){
		func(in *CreateInput) { in.Title = "" },
		func(in *CreateInput) { in.Story = " " },
		func(in *CreateInput) { in.Target = 0 },
		func(in *CreateInput) { in.Wallets = nil },
		func(in *CreateInput) { in.Wallets = []campaign.Wallet{{Address: "bogus"}} },
		func(in *CreateInput) {
			in.Wallets = []campaign.Wallet{{Address: walletA}, {Address: "0x52908400098527886E0F7030069857D2E4169EE7"}}
		},
		func(in *CreateInput) { in.ExpiryDate = campaign.Date{Time: time.Now().Add(-time.Hour)} },
		func(in *CreateInput) { in.Status = "CLOSED" },
		func(in *CreateInput) { in.Status = "nope" },
		func(in *CreateInput) { in.Status = "PUBLISHED"; in.ExpiryDate = campaign.Date{} },
	}
	for i, m := range mutate {
		in := validInput()
		m(&in)
		if _, err := svc.Create(ctx, owner.ID, in); status(err) != http.StatusBadRequest {
			t.Errorf("case %d: expected 400, got %v", i, err)
		}
	}
}

func TestGetMissing(t *testing.T) {
	svc, _, _ := setup(t)
	_, err := svc.Get(context.Background(), "404")
	se := svcerrors.GetServiceError(err)
	if se == nil || se.HTTPStatus != http.StatusNotFound || se.Message != MsgCampaignNotFound {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestListFilters(t *testing.T) {
	svc, store, owner := setup(t)
	ctx := context.Background()
	other, _ := store.CreateUser(ctx, user.User{Email: "other@example.com", Alias: "other"})

	if _, err := svc.Create(ctx, owner.ID, validInput()); err != nil {
		t.Fatalf("create: %v", err)
	}
	in := validInput()
	in.Status = "published"
	if _, err := svc.Create(ctx, other.ID, in); err != nil {
		t.Fatalf("create published: %v", err)
	}

	mine, _ := svc.List(ctx, owner.ID, "")
	if len(mine) != 1 || mine[0].Owner != owner.ID {
		t.Fatalf("owner filter: %+v", mine)
	}
	published, _ := svc.List(ctx, "", "PUBLISHED")
	if len(published) != 1 || published[0].Owner != other.ID {
		t.Fatalf("status filter: %+v", published)
	}
	if _, err := svc.List(ctx, "", "bogus"); status(err) != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status filter, got %v", err)
	}
}

func TestUpdateStatus(t *testing.T) {
	svc, store, owner := setup(t)
	ctx := context.Background()
	stranger, _ := store.CreateUser(ctx, user.User{Email: "s@example.com", Alias: "stranger"})

	c, _ := svc.Create(ctx, owner.ID, validInput())

	if _, err := svc.UpdateStatus(ctx, owner.ID, c.ID, "launched"); status(err) != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %v", err)
	}
	if _, err := svc.UpdateStatus(ctx, stranger.ID, c.ID, "PUBLISHED"); status(err) != http.StatusForbidden {
		t.Fatalf("expected 403 for non-owner, got %v", err)
	}
	if _, err := svc.UpdateStatus(ctx, owner.ID, c.ID, "EXPIRED"); status(err) != http.StatusConflict {
		t.Fatalf("expected 409 for manual expiry, got %v", err)
	}

	published, err := svc.UpdateStatus(ctx, owner.ID, c.ID, "published")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if published.Status != campaign.StatusPublished {
		t.Fatalf("status = %s", published.Status)
	}

	closed, err := svc.UpdateStatus(ctx, owner.ID, c.ID, "CLOSED")
	if err != nil || closed.Status != campaign.StatusClosed {
		t.Fatalf("close: %v %+v", err, closed)
	}
	if _, err := svc.UpdateStatus(ctx, owner.ID, c.ID, "DRAFT"); status(err) != http.StatusConflict {
		t.Fatalf("expected 409 reopening closed campaign, got %v", err)
	}
}

func TestUpdate(t *testing.T) {
	svc, store, owner := setup(t)
	ctx := context.Background()
	stranger, _ := store.CreateUser(ctx, user.User{Email: "s@example.com", Alias: "stranger"})
	c, _ := svc.Create(ctx, owner.ID, validInput())

	title := "Clean water for all"
	wallets := []campaign.Wallet{{Name: "a", Address: walletA}, {Name: "b", Address: walletB}}
	updated, err := svc.Update(ctx, owner.ID, c.ID, UpdateInput{Title: &title, Wallets: &wallets})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != title || len(updated.Wallets) != 2 || updated.Story != c.Story {
		t.Fatalf("unexpected update: %+v", updated)
	}

	if _, err := svc.Update(ctx, stranger.ID, c.ID, UpdateInput{Title: &title}); status(err) != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", err)
	}

	if _, err := svc.UpdateStatus(ctx, owner.ID, c.ID, "CLOSED"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := svc.Update(ctx, owner.ID, c.ID, UpdateInput{Title: &title}); status(err) != http.StatusConflict {
		t.Fatalf("expected 409 editing closed campaign, got %v", err)
	}
}

func TestExpireDue(t *testing.T) {
	svc, _, owner := setup(t)
	ctx := context.Background()

	in := validInput()
	in.Status = "PUBLISHED"
	in.ExpiryDate = campaign.Date{Time: time.Now().Add(time.Hour)}
	soon, _ := svc.Create(ctx, owner.ID, in)

	in.ExpiryDate = campaign.Date{Time: time.Now().Add(48 * time.Hour)}
	later, _ := svc.Create(ctx, owner.ID, in)

	draft, _ := svc.Create(ctx, owner.ID, validInput())

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err := svc.ExpireDue(ctx)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired campaign, got %d", n)
	}

	for id, want := range map[string]campaign.Status{
		soon.ID:  campaign.StatusExpired,
		later.ID: campaign.StatusPublished,
		draft.ID: campaign.StatusDraft,
	} {
		c, _ := svc.Get(ctx, id)
		if c.Status != want {
			t.Errorf("campaign %s: status %s, want %s", id, c.Status, want)
		}
	}
}

func TestExpireDueKeepsConcurrentClose(t *testing.T) {
	ownerSvc, store, owner := setup(t)
	ctx := context.Background()

	in := validInput()
	in.Status = "PUBLISHED"
	in.ExpiryDate = campaign.Date{Time: time.Now().Add(time.Hour)}
	c, err := ownerSvc.Create(ctx, owner.ID, in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	hooks := &hookStore{Store: store}
	hooks.afterList = func() {
		if _, err := ownerSvc.UpdateStatus(ctx, owner.ID, c.ID, "CLOSED"); err != nil {
			t.Errorf("close: %v", err)
		}
	}
	job := New(hooks, store, logger.NewNop())
	job.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	n, err := job.ExpireDue(ctx)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no campaigns expired, got %d", n)
	}
	got, _ := store.GetCampaign(ctx, c.ID)
	if got.Status != campaign.StatusClosed {
		t.Fatalf("status = %s, want CLOSED", got.Status)
	}
}

func TestOwnerWritesLoseToConcurrentExpiry(t *testing.T) {
	_, store, owner := setup(t)
	ctx := context.Background()
	hooks := &hookStore{Store: store}
	svc := New(hooks, store, logger.NewNop())

	in := validInput()
	in.Status = "PUBLISHED"
	c, err := svc.Create(ctx, owner.ID, in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	expire := func() {
		if _, err := store.UpdateCampaignStatus(ctx, c.ID, campaign.StatusPublished, campaign.StatusExpired); err != nil {
			t.Errorf("expire: %v", err)
		}
	}

	title := "edited while expiring"
	hooks.beforeWrite = expire
	if _, err := svc.Update(ctx, owner.ID, c.ID, UpdateInput{Title: &title}); status(err) != http.StatusConflict {
		t.Fatalf("expected 409 editing a campaign that just expired, got %v", err)
	}
	got, _ := store.GetCampaign(ctx, c.ID)
	if got.Status != campaign.StatusExpired || got.Title == title {
		t.Fatalf("expired campaign was overwritten: %+v", got)
	}
	if _, err := svc.Update(ctx, owner.ID, c.ID, UpdateInput{Title: &title}); status(err) != http.StatusConflict {
		t.Fatalf("expected 409 editing an expired campaign, got %v", err)
	}
}

func TestUpdateStatusLosesToConcurrentExpiry(t *testing.T) {
	_, store, owner := setup(t)
	ctx := context.Background()
	hooks := &hookStore{Store: store}
	svc := New(hooks, store, logger.NewNop())

	in := validInput()
	in.Status = "PUBLISHED"
	c, err := svc.Create(ctx, owner.ID, in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	hooks.beforeWrite = func() {
		if _, err := store.UpdateCampaignStatus(ctx, c.ID, campaign.StatusPublished, campaign.StatusExpired); err != nil {
			t.Errorf("expire: %v", err)
		}
	}

	if _, err := svc.UpdateStatus(ctx, owner.ID, c.ID, "DRAFT"); status(err) != http.StatusConflict {
		t.Fatalf("expected 409, got %v", err)
	}
	got, _ := store.GetCampaign(ctx, c.ID)
	if got.Status != campaign.StatusExpired {
		t.Fatalf("status = %s, want EXPIRED", got.Status)
	}
}
