package users

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/R3E-Network/fundraiser/internal/app/domain/campaign"
	"github.com/R3E-Network/fundraiser/internal/app/domain/user"
	"github.com/R3E-Network/fundraiser/internal/app/storage/memory"
	"github.com/R3E-Network/fundraiser/internal/auth"
	svcerrors "github.com/R3E-Network/fundraiser/internal/errors"
	"github.com/R3E-Network/fundraiser/pkg/logger"
	"github.com/R3E-Network/fundraiser/pkg/testutil"
)

func lastCode(t *testing.T, mailer *testutil.RecordingNotifier) string {
	t.Helper()
	code, ok := mailer.LastCode()
	if !ok {
		t.Fatal("no code mailed")
	}
	return code
}

func newService(t *testing.T) (*Service, *testutil.RecordingNotifier) {
	t.Helper()
	store := memory.New()
	tokens := auth.NewTokenManager("test-secret", "fundraiser", time.Hour)
	svc := New(store, store, tokens, logger.NewNop())
	mailer := testutil.NewRecordingNotifier()
	svc.AttachNotifier(mailer)
	return svc, mailer
}

func strPtr(s string) *string { return &s }

func expectStatus(t *testing.T, err error, status int, msg string) {
	t.Helper()
	se := svcerrors.GetServiceError(err)
	if se == nil {
		t.Fatalf("expected service error, got %v", err)
	}
	if se.HTTPStatus != status {
		t.Fatalf("expected status %d, got %d (%s)", status, se.HTTPStatus, se.Message)
	}
	if msg != "" && se.Message != msg {
		t.Fatalf("expected message %q, got %q", msg, se.Message)
	}
}

func TestCreateAndList(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	u, err := svc.Create(ctx, CreateInput{Email: "Ann@Example.com", Alias: "ann", Profile: Profile{Name: strPtr("Ann")}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if u.ID == "" || u.Email != "ann@example.com" || !u.IsActive || u.Name != "Ann" {
		t.Fatalf("unexpected user: %+v", u)
	}

	list, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 user, got %d", len(list))
	}
}

func TestCreateRejectsDuplicates(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateInput{Email: "ann@example.com", Alias: "ann"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err := svc.Create(ctx, CreateInput{Email: "ANN@example.com", Alias: "ann"})
	expectStatus(t, err, http.StatusBadRequest, MsgEmailInUse)

	_, err = svc.Create(ctx, CreateInput{Email: "bob@example.com", Alias: "ANN"})
	expectStatus(t, err, http.StatusBadRequest, MsgAliasInUse)
}

func TestCreateValidates(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	cases := []CreateInput{
		{Alias: "ann"},
		{Email: "not-an-email", Alias: "ann"},
		{Email: "ann@example.com"},
		{Email: "ann@example.com", Alias: "a"},
		{Email: "ann@example.com", Alias: "has space"},
		{Email: "ann@example.com", Alias: "ann", Profile: Profile{WalletID: strPtr("nope")}},
	}
	for i, in := range cases {
		if _, err := svc.Create(ctx, in); svcerrors.HTTPStatus(err) != http.StatusBadRequest {
			t.Errorf("case %d: expected 400, got %v", i, err)
		}
	}
}

func TestGetUnknownUser(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.Get(context.Background(), "missing")
	expectStatus(t, err, http.StatusUnauthorized, MsgUserNotExist)

	_, err = svc.GetByAlias(context.Background(), "ghost")
	expectStatus(t, err, http.StatusNotFound, "")
}

func TestUpdateProfile(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	ann, _ := svc.Create(ctx, CreateInput{Email: "ann@example.com", Alias: "ann"})
	if _, err := svc.Create(ctx, CreateInput{Email: "bob@example.com", Alias: "bob"}); err != nil {
		t.Fatalf("create bob: %v", err)
	}

	_, err := svc.Update(ctx, ann.ID, UpdateInput{Alias: strPtr("bob")})
	expectStatus(t, err, http.StatusBadRequest, MsgAliasInUse)

	updated, err := svc.Update(ctx, ann.ID, UpdateInput{
		Alias:   strPtr("Ann"),
		Profile: Profile{Bio: strPtr("  builder "), WalletID: strPtr("0x52908400098527886E0F7030069857D2E4169EE7")},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Alias != "Ann" || updated.Bio != "builder" || updated.WalletID == "" {
		t.Fatalf("unexpected update: %+v", updated)
	}
	if !updated.CreatedAt.Equal(ann.CreatedAt) {
		t.Fatalf("created date changed")
	}
}

func TestOTPLogin(t *testing.T) {
	svc, mailer := newService(t)
	ctx := context.Background()

	ann, _ := svc.Create(ctx, CreateInput{Email: "ann@example.com", Alias: "ann"})

	if err := svc.RequestOTP(ctx, "ann@example.com"); err != nil {
		t.Fatalf("request otp: %v", err)
	}
	code := lastCode(t, mailer)

	_, err := svc.VerifyOTP(ctx, "ann@example.com", "000000x")
	expectStatus(t, err, http.StatusUnauthorized, MsgInvalidCode)

	session, err := svc.VerifyOTP(ctx, "ann@example.com", code)
	if err != nil {
		t.Fatalf("verify otp: %v", err)
	}
	if session.Token == "" || session.User.ID != ann.ID || !session.User.EmailVerified {
		t.Fatalf("unexpected session: %+v", session)
	}

	claims, err := svc.tokens.Parse(session.Token)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if claims.UserID != ann.ID {
		t.Fatalf("token subject %q", claims.UserID)
	}

	_, err = svc.VerifyOTP(ctx, "ann@example.com", code)
	expectStatus(t, err, http.StatusUnauthorized, MsgInvalidCode)
}

func TestOTPExpires(t *testing.T) {
	svc, mailer := newService(t)
	ctx := context.Background()
	now := time.Now()
	svc.now = func() time.Time { return now }

	if _, err := svc.Create(ctx, CreateInput{Email: "ann@example.com", Alias: "ann"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.RequestOTP(ctx, "ann@example.com"); err != nil {
		t.Fatalf("request otp: %v", err)
	}
	code := lastCode(t, mailer)

	now = now.Add(defaultOTPTTL + time.Second)
	_, err := svc.VerifyOTP(ctx, "ann@example.com", code)
	expectStatus(t, err, http.StatusUnauthorized, MsgInvalidCode)
}

func TestRequestOTPUnknownEmail(t *testing.T) {
	svc, _ := newService(t)
	err := svc.RequestOTP(context.Background(), "ghost@example.com")
	expectStatus(t, err, http.StatusNotFound, "")
}

func TestOTPBurnedAfterRepeatedMismatches(t *testing.T) {
	svc, mailer := newService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateInput{Email: "ann@example.com", Alias: "ann"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.RequestOTP(ctx, "ann@example.com"); err != nil {
		t.Fatalf("request otp: %v", err)
	}
	code := lastCode(t, mailer)

	for i := 0; i < maxOTPFailures; i++ {
		_, err := svc.VerifyOTP(ctx, "ann@example.com", "wrong-"+code)
		expectStatus(t, err, http.StatusUnauthorized, MsgInvalidCode)
	}
	_, err := svc.VerifyOTP(ctx, "ann@example.com", code)
	expectStatus(t, err, http.StatusUnauthorized, MsgInvalidCode)

	if err := svc.RequestOTP(ctx, "ann@example.com"); err != nil {
		t.Fatalf("request new otp: %v", err)
	}
	if _, err := svc.VerifyOTP(ctx, "ann@example.com", lastCode(t, mailer)); err != nil {
		t.Fatalf("fresh code should work: %v", err)
	}
}

func TestOTPSurvivesFewMismatches(t *testing.T) {
	svc, mailer := newService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateInput{Email: "ann@example.com", Alias: "ann"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.RequestOTP(ctx, "ann@example.com"); err != nil {
		t.Fatalf("request otp: %v", err)
	}
	code := lastCode(t, mailer)

	for i := 0; i < maxOTPFailures-1; i++ {
		_, err := svc.VerifyOTP(ctx, "ann@example.com", "wrong-"+code)
		expectStatus(t, err, http.StatusUnauthorized, MsgInvalidCode)
	}
	if _, err := svc.VerifyOTP(ctx, "ann@example.com", code); err != nil {
		t.Fatalf("verify otp: %v", err)
	}
}

// linkingStore creates a campaign for the user between the service's read
// and its write.
type linkingStore struct {
	*memory.Store
	linked string
}

func (l *linkingStore) UpdateUser(ctx context.Context, u user.User) (user.User, error) {
	c, err := l.Store.CreateCampaign(ctx, campaign.Campaign{Owner: u.ID, Title: "created meanwhile"})
	if err != nil {
		return user.User{}, err
	}
	l.linked = c.ID
	return l.Store.UpdateUser(ctx, u)
}

func TestUpdateKeepsConcurrentCampaignLink(t *testing.T) {
	store := &linkingStore{Store: memory.New()}
	tokens := auth.NewTokenManager("test-secret", "fundraiser", time.Hour)
	svc := New(store, store, tokens, logger.NewNop())
	ctx := context.Background()

	ann, err := svc.Create(ctx, CreateInput{Email: "ann@example.com", Alias: "ann"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	updated, err := svc.Update(ctx, ann.ID, UpdateInput{Profile: Profile{Bio: strPtr("builder")}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Bio != "builder" || !updated.HasCampaign(store.linked) {
		t.Fatalf("campaign link lost on profile update: %+v", updated)
	}
	reloaded, _ := store.GetUser(ctx, ann.ID)
	if !reloaded.HasCampaign(store.linked) {
		t.Fatalf("stored user lost campaign %s: %v", store.linked, reloaded.Campaigns)
	}
}
