package users

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/R3E-Network/fundraiser/internal/app/domain/user"
	"github.com/R3E-Network/fundraiser/internal/app/notify"
	"github.com/R3E-Network/fundraiser/internal/app/storage"
	"github.com/R3E-Network/fundraiser/internal/auth"
	svcerrors "github.com/R3E-Network/fundraiser/internal/errors"
	"github.com/R3E-Network/fundraiser/internal/wallet"
	"github.com/R3E-Network/fundraiser/pkg/logger"
)

// Client-facing messages.
const (
	MsgEmailInUse    = "email already in use"
	MsgAliasInUse    = "alias already in use"
	MsgUserNotExist  = "User does not exist."
	MsgInvalidCode   = "invalid or expired code"
	MsgAccountLocked = "account is disabled"
)

var aliasPattern = regexp.MustCompile(`^[a-z0-9_.-]{3,32}$`)

const defaultOTPTTL = 10 * time.Minute

// maxOTPFailures wrong guesses burn the pending code.
const maxOTPFailures = 5

// Service manages user accounts and email login.
type Service struct {
	users  storage.UserStore
	otps   storage.OTPStore
	tokens *auth.TokenManager
	mailer notify.Notifier
	otpTTL time.Duration
	now    func() time.Time
	log    *logger.Logger
}

// New constructs a user service. otps may be the same store as users.
func New(users storage.UserStore, otps storage.OTPStore, tokens *auth.TokenManager, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("users")
	}
	return &Service{
		users:  users,
		otps:   otps,
		tokens: tokens,
		mailer: notify.NewLogNotifier(log),
		otpTTL: defaultOTPTTL,
		now:    time.Now,
		log:    log,
	}
}

// AttachNotifier sets the mailer used for login codes.
func (s *Service) AttachNotifier(n notify.Notifier) {
	if n != nil {
		s.mailer = n
	}
}

// SetOTPTTL overrides how long login codes stay valid.
func (s *Service) SetOTPTTL(ttl time.Duration) {
	if ttl > 0 {
		s.otpTTL = ttl
	}
}

// Profile holds the optional fields a user may set at signup or later.
type Profile struct {
	Name     *string  `json:"name,omitempty"`
	Bio      *string  `json:"bio,omitempty"`
	Phone    *string  `json:"phone,omitempty"`
	Image    *string  `json:"image,omitempty"`
	Address  *string  `json:"address,omitempty"`
	Social   []string `json:"social,omitempty"`
	WalletID *string  `json:"walletId,omitempty"`
	IsAgency *bool    `json:"isAgency,omitempty"`
}

// CreateInput is the signup payload.
type CreateInput struct {
	Email string `json:"email"`
	Alias string `json:"alias"`
	Profile
}

// UpdateInput changes any subset of a user's fields.
type UpdateInput struct {
	Email *string `json:"email,omitempty"`
	Alias *string `json:"alias,omitempty"`
	Profile
}

// Session is returned after a successful login.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	User      user.User `json:"user"`
}

// List returns every user.
func (s *Service) List(ctx context.Context) ([]user.User, error) {
	users, err := s.users.ListUsers(ctx)
	if err != nil {
		return nil, svcerrors.Internal("failed to list users", err)
	}
	return users, nil
}

// Create registers a user. Email uniqueness is checked before alias.
func (s *Service) Create(ctx context.Context, in CreateInput) (user.User, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return user.User{}, err
	}
	alias, err := normalizeAlias(in.Alias)
	if err != nil {
		return user.User{}, err
	}

	if err := s.ensureEmailFree(ctx, email, ""); err != nil {
		return user.User{}, err
	}
	if err := s.ensureAliasFree(ctx, alias, ""); err != nil {
		return user.User{}, err
	}

	u := user.User{Email: email, Alias: alias, IsActive: true, Campaigns: []string{}}
	if err := applyProfile(&u, in.Profile); err != nil {
		return user.User{}, err
	}

	created, err := s.users.CreateUser(ctx, u)
	if err != nil {
		return user.User{}, mapWriteError("failed to create user", err)
	}
	s.log.WithField("user_id", created.ID).Info("user created")
	return created, nil
}

// Get returns the user behind an authenticated id. An id that no longer
// resolves is an authentication failure.
func (s *Service) Get(ctx context.Context, id string) (user.User, error) {
	u, err := s.users.GetUser(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return user.User{}, svcerrors.Unauthorized(MsgUserNotExist)
	}
	if err != nil {
		return user.User{}, svcerrors.Internal("failed to load user", err)
	}
	return u, nil
}

// GetByAlias looks up a public profile.
func (s *Service) GetByAlias(ctx context.Context, alias string) (user.User, error) {
	u, err := s.users.GetUserByAlias(ctx, alias)
	if errors.Is(err, storage.ErrNotFound) {
		return user.User{}, svcerrors.NotFound("user", alias).WithMessage("User not found.")
	}
	if err != nil {
		return user.User{}, svcerrors.Internal("failed to load user", err)
	}
	return u, nil
}

// Update changes the caller's own profile.
func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (user.User, error) {
	u, err := s.Get(ctx, id)
	if err != nil {
		return user.User{}, err
	}

	if in.Email != nil {
		email, err := normalizeEmail(*in.Email)
		if err != nil {
			return user.User{}, err
		}
		if !strings.EqualFold(email, u.Email) {
			if err := s.ensureEmailFree(ctx, email, u.ID); err != nil {
				return user.User{}, err
			}
			u.Email = email
			u.EmailVerified = false
		}
	}
	if in.Alias != nil {
		alias, err := normalizeAlias(*in.Alias)
		if err != nil {
			return user.User{}, err
		}
		if !strings.EqualFold(alias, u.Alias) {
			if err := s.ensureAliasFree(ctx, alias, u.ID); err != nil {
				return user.User{}, err
			}
		}
		u.Alias = alias
	}
	if err := applyProfile(&u, in.Profile); err != nil {
		return user.User{}, err
	}

	updated, err := s.users.UpdateUser(ctx, u)
	if err != nil {
		return user.User{}, mapWriteError("failed to update user", err)
	}
	s.log.WithField("user_id", updated.ID).Info("user profile updated")
	return updated, nil
}

// RequestOTP mails a fresh login code to a registered address.
func (s *Service) RequestOTP(ctx context.Context, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	u, err := s.users.GetUserByEmail(ctx, email)
	if errors.Is(err, storage.ErrNotFound) {
		return svcerrors.NotFound("user", email).WithMessage("User not found.")
	}
	if err != nil {
		return svcerrors.Internal("failed to load user", err)
	}
	if !u.IsActive {
		return svcerrors.Forbidden(MsgAccountLocked)
	}

	code, err := auth.GenerateOTP()
	if err != nil {
		return svcerrors.Internal("failed to generate code", err)
	}
	hash, err := auth.HashOTP(code)
	if err != nil {
		return svcerrors.Internal("failed to hash code", err)
	}
	if err := s.otps.SaveOTP(ctx, u.ID, user.OTP{Hash: hash, Expiry: s.now().Add(s.otpTTL)}); err != nil {
		return svcerrors.Internal("failed to store code", err)
	}
	if err := s.mailer.Send(ctx, notify.OTPMessage(u.Email, code, s.otpTTL)); err != nil {
		return svcerrors.Internal("failed to send code", err)
	}

	s.log.WithField("user_id", u.ID).Info("login code issued")
	return nil
}

// VerifyOTP exchanges a valid code for a signed token. Every failure returns
// the same message so callers cannot probe which part was wrong.
func (s *Service) VerifyOTP(ctx context.Context, email, code string) (Session, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return Session{}, err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return Session{}, svcerrors.BadRequest("otp is required")
	}

	u, err := s.users.GetUserByEmail(ctx, email)
	if errors.Is(err, storage.ErrNotFound) {
		return Session{}, svcerrors.Unauthorized(MsgInvalidCode)
	}
	if err != nil {
		return Session{}, svcerrors.Internal("failed to load user", err)
	}
	if !u.IsActive {
		return Session{}, svcerrors.Forbidden(MsgAccountLocked)
	}

	otp, err := s.otps.GetOTP(ctx, u.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return Session{}, svcerrors.Unauthorized(MsgInvalidCode)
	}
	if err != nil {
		return Session{}, svcerrors.Internal("failed to load code", err)
	}
	if otp.Expired(s.now()) {
		_ = s.otps.DeleteOTP(ctx, u.ID)
		return Session{}, svcerrors.Unauthorized(MsgInvalidCode)
	}
	if !auth.CheckOTP(otp.Hash, code) {
		s.recordMismatch(ctx, u.ID)
		return Session{}, svcerrors.Unauthorized(MsgInvalidCode)
	}

	if err := s.otps.DeleteOTP(ctx, u.ID); err != nil {
		return Session{}, svcerrors.Internal("failed to clear code", err)
	}
	// Re-read so a store that keeps the code on the user record does not
	// write it back.
	u, err = s.users.GetUser(ctx, u.ID)
	if err != nil {
		return Session{}, svcerrors.Internal("failed to load user", err)
	}
	if !u.EmailVerified {
		u.EmailVerified = true
		if u, err = s.users.UpdateUser(ctx, u); err != nil {
			return Session{}, svcerrors.Internal("failed to update user", err)
		}
	}

	token, expires, err := s.tokens.Issue(u.ID, u.Email, u.Alias)
	if err != nil {
		return Session{}, svcerrors.Internal("failed to issue token", err)
	}
	s.log.WithField("user_id", u.ID).Info("user logged in")
	return Session{Token: token, ExpiresAt: expires, User: u}, nil
}

func (s *Service) recordMismatch(ctx context.Context, userID string) {
	entry := s.log.WithField("user_id", userID)
	failures, err := s.otps.RecordOTPFailure(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		entry.Warn("login code mismatch")
		return
	}
	if err != nil {
		entry.WithError(err).Warn("failed to record login code mismatch")
		failures = maxOTPFailures
	}
	entry = entry.WithField("failures", failures)
	if failures < maxOTPFailures {
		entry.Warn("login code mismatch")
		return
	}
	if err := s.otps.DeleteOTP(ctx, userID); err != nil {
		entry.WithError(err).Error("failed to burn login code")
		return
	}
	entry.Warn("login code burned after repeated mismatches")
}

func (s *Service) ensureEmailFree(ctx context.Context, email, selfID string) error {
	existing, err := s.users.GetUserByEmail(ctx, email)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil
	case err != nil:
		return svcerrors.Internal("failed to check email", err)
	case existing.ID != selfID:
		return svcerrors.BadRequest(MsgEmailInUse)
	}
	return nil
}

func (s *Service) ensureAliasFree(ctx context.Context, alias, selfID string) error {
	existing, err := s.users.GetUserByAlias(ctx, alias)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil
	case err != nil:
		return svcerrors.Internal("failed to check alias", err)
	case existing.ID != selfID:
		return svcerrors.BadRequest(MsgAliasInUse)
	}
	return nil
}

// mapWriteError turns a unique violation that slipped past the pre-checks into
// the same client error.
func mapWriteError(msg string, err error) error {
	switch {
	case storage.IsDuplicate(err, storage.FieldEmail):
		return svcerrors.BadRequest(MsgEmailInUse)
	case storage.IsDuplicate(err, storage.FieldAlias):
		return svcerrors.BadRequest(MsgAliasInUse)
	case errors.Is(err, storage.ErrNotFound):
		return svcerrors.Unauthorized(MsgUserNotExist)
	default:
		return svcerrors.Internal(msg, err)
	}
}

func normalizeEmail(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", svcerrors.BadRequest("email is required")
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil || addr.Address != raw {
		return "", svcerrors.InvalidFormat("email", "an email address")
	}
	return strings.ToLower(addr.Address), nil
}

func normalizeAlias(raw string) (string, error) {
	alias := strings.TrimSpace(raw)
	if alias == "" {
		return "", svcerrors.BadRequest("alias is required")
	}
	if !aliasPattern.MatchString(strings.ToLower(alias)) {
		return "", svcerrors.InvalidFormat("alias", "3-32 characters of a-z, 0-9, '_', '.' or '-'")
	}
	return alias, nil
}

func applyProfile(u *user.User, p Profile) error {
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = strings.TrimSpace(*v)
		}
	}
	set(&u.Name, p.Name)
	set(&u.Bio, p.Bio)
	set(&u.Phone, p.Phone)
	set(&u.Image, p.Image)
	set(&u.Address, p.Address)
	if p.Social != nil {
		u.Social = append([]string(nil), p.Social...)
	}
	if p.IsAgency != nil {
		u.IsAgency = *p.IsAgency
	}
	if p.WalletID != nil {
		id := strings.TrimSpace(*p.WalletID)
		if id != "" {
			if err := wallet.Validate(id); err != nil {
				return svcerrors.InvalidFormat("walletId", "an EVM or Neo N3 address").
					WithDetails("reason", fmt.Sprint(err))
			}
		}
		u.WalletID = id
	}
	return nil
}
