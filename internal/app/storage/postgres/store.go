package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/R3E-Network/fundraiser/internal/app/domain/campaign"
	"github.com/R3E-Network/fundraiser/internal/app/domain/donation"
	"github.com/R3E-Network/fundraiser/internal/app/domain/user"
	"github.com/R3E-Network/fundraiser/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.OTPStore = (*Store)(nil)
var _ storage.CampaignStore = (*Store)(nil)
var _ storage.DonationStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

// constraintFields maps unique indexes to the field reported to callers.
var constraintFields = map[string]string{
	"users_email_key":           storage.FieldEmail,
	"users_alias_key":           storage.FieldAlias,
	"donations_transaction_key": storage.FieldTransactionID,
}

func mapError(err error, value func(field string) string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			field := constraintFields[pqErr.Constraint]
			if field == "" {
				field = pqErr.Constraint
			}
			v := ""
			if value != nil {
				v = value(field)
			}
			return &storage.DuplicateError{Field: field, Value: v}
		case "23503":
			return storage.ErrNotFound
		}
	}
	return err
}

// --- rows -------------------------------------------------------------------

type userRow struct {
	ID            string       `db:"id"`
	Email         string       `db:"email"`
	Alias         string       `db:"alias"`
	Name          string       `db:"name"`
	Bio           string       `db:"bio"`
	Phone         string       `db:"phone"`
	Image         string       `db:"image"`
	Address       string       `db:"address"`
	Social        []byte       `db:"social"`
	WalletID      string       `db:"wallet_id"`
	IsActive      bool         `db:"is_active"`
	EmailVerified bool         `db:"email_verified"`
	IsAgency      bool         `db:"is_agency"`
	OTPHash       string       `db:"otp_hash"`
	OTPExpiry     sql.NullTime `db:"otp_expiry"`
	CreatedAt     time.Time    `db:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
}

const userColumns = `id, email, alias, name, bio, phone, image, address, social, wallet_id,
	is_active, email_verified, is_agency, otp_hash, otp_expiry, created_at, updated_at`

func (r userRow) toDomain() user.User {
	u := user.User{
		ID:            r.ID,
		Email:         r.Email,
		Alias:         r.Alias,
		Name:          r.Name,
		Bio:           r.Bio,
		Phone:         r.Phone,
		Image:         r.Image,
		Address:       r.Address,
		WalletID:      r.WalletID,
		IsActive:      r.IsActive,
		EmailVerified: r.EmailVerified,
		IsAgency:      r.IsAgency,
		Campaigns:     []string{},
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if len(r.Social) > 0 {
		_ = json.Unmarshal(r.Social, &u.Social)
	}
	if r.OTPHash != "" && r.OTPExpiry.Valid {
		u.OTP = &user.OTP{Hash: r.OTPHash, Expiry: r.OTPExpiry.Time}
	}
	return u
}

type campaignRow struct {
	ID            string       `db:"id"`
	OwnerID       string       `db:"owner_id"`
	Title         string       `db:"title"`
	Story         string       `db:"story"`
	Image         string       `db:"image"`
	Wallets       []byte       `db:"wallets"`
	Target        float64      `db:"target"`
	ExpiryDate    sql.NullTime `db:"expiry_date"`
	Status        string       `db:"status"`
	Raised        float64      `db:"raised"`
	DonationCount int          `db:"donation_count"`
	CreatedAt     time.Time    `db:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
}

const campaignColumns = `id, owner_id, title, story, image, wallets, target, expiry_date, status,
	raised, donation_count, created_at, updated_at`

func (r campaignRow) toDomain() campaign.Campaign {
	c := campaign.Campaign{
		ID:            r.ID,
		Owner:         r.OwnerID,
		Title:         r.Title,
		Story:         r.Story,
		Image:         r.Image,
		Wallets:       []campaign.Wallet{},
		Target:        r.Target,
		Status:        campaign.Status(r.Status),
		Raised:        r.Raised,
		DonationCount: r.DonationCount,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.ExpiryDate.Valid {
		c.ExpiryDate = r.ExpiryDate.Time
	}
	if len(r.Wallets) > 0 {
		_ = json.Unmarshal(r.Wallets, &c.Wallets)
	}
	return c
}

type donationRow struct {
	ID            string       `db:"id"`
	TransactionID string       `db:"transaction_id"`
	CampaignID    string       `db:"campaign_id"`
	WalletAddress string       `db:"wallet_address"`
	Donor         []byte       `db:"donor"`
	IsAnonymous   bool         `db:"is_anonymous"`
	EmailReceipt  string       `db:"email_receipt"`
	IsVerified    bool         `db:"is_verified"`
	Amount        float64      `db:"amount"`
	VerifiedAt    sql.NullTime `db:"verified_at"`
	CreatedAt     time.Time    `db:"created_at"`
}

const donationColumns = `id, transaction_id, campaign_id, wallet_address, donor, is_anonymous,
	email_receipt, is_verified, amount, verified_at, created_at`

func (r donationRow) toDomain() donation.Donation {
	d := donation.Donation{
		ID:            r.ID,
		TransactionID: r.TransactionID,
		CampaignID:    r.CampaignID,
		WalletAddress: r.WalletAddress,
		IsAnonymous:   r.IsAnonymous,
		EmailReceipt:  r.EmailReceipt,
		IsVerified:    r.IsVerified,
		Amount:        r.Amount,
		CreatedAt:     r.CreatedAt,
	}
	if len(r.Donor) > 0 && string(r.Donor) != "null" {
		var donor donation.Donor
		if err := json.Unmarshal(r.Donor, &donor); err == nil {
			d.Donor = &donor
		}
	}
	if r.VerifiedAt.Valid {
		at := r.VerifiedAt.Time
		d.VerifiedAt = &at
	}
	return d
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// --- UserStore --------------------------------------------------------------

func (s *Store) CreateUser(ctx context.Context, u user.User) (user.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	if u.Campaigns == nil {
		u.Campaigns = []string{}
	}

	socialJSON, err := json.Marshal(nonNilStrings(u.Social))
	if err != nil {
		return user.User{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, alias, name, bio, phone, image, address, social, wallet_id,
			is_active, email_verified, is_agency, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, u.ID, u.Email, u.Alias, u.Name, u.Bio, u.Phone, u.Image, u.Address, string(socialJSON), u.WalletID,
		u.IsActive, u.EmailVerified, u.IsAgency, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return user.User{}, mapError(err, userFieldValue(u))
	}
	return u, nil
}

func (s *Store) UpdateUser(ctx context.Context, u user.User) (user.User, error) {
	existing, err := s.GetUser(ctx, u.ID)
	if err != nil {
		return user.User{}, err
	}

	u.CreatedAt = existing.CreatedAt
	u.UpdatedAt = time.Now().UTC()
	u.Campaigns = existing.Campaigns

	socialJSON, err := json.Marshal(nonNilStrings(u.Social))
	if err != nil {
		return user.User{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET email = $2, alias = $3, name = $4, bio = $5, phone = $6, image = $7, address = $8,
			social = $9, wallet_id = $10, is_active = $11, email_verified = $12, is_agency = $13,
			updated_at = $14
		WHERE id = $1
	`, u.ID, u.Email, u.Alias, u.Name, u.Bio, u.Phone, u.Image, u.Address, string(socialJSON), u.WalletID,
		u.IsActive, u.EmailVerified, u.IsAgency, u.UpdatedAt)
	if err != nil {
		return user.User{}, mapError(err, userFieldValue(u))
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return user.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (user.User, error) {
	return s.getUser(ctx, `WHERE id = $1`, id)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (user.User, error) {
	return s.getUser(ctx, `WHERE lower(email) = lower($1)`, strings.TrimSpace(email))
}

func (s *Store) GetUserByAlias(ctx context.Context, alias string) (user.User, error) {
	return s.getUser(ctx, `WHERE lower(alias) = lower($1)`, strings.TrimSpace(alias))
}

func (s *Store) getUser(ctx context.Context, where string, arg string) (user.User, error) {
	var row userRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+userColumns+` FROM users `+where, arg); err != nil {
		return user.User{}, mapError(err, nil)
	}
	u := row.toDomain()

	campaigns, err := s.ownedCampaignIDs(ctx, u.ID)
	if err != nil {
		return user.User{}, err
	}
	u.Campaigns = campaigns
	return u, nil
}

func (s *Store) ownedCampaignIDs(ctx context.Context, userID string) ([]string, error) {
	ids := []string{}
	if err := s.db.SelectContext(ctx, &ids, `
		SELECT id FROM campaigns WHERE owner_id = $1 ORDER BY created_at
	`, userID); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]user.User, error) {
	var rows []userRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+userColumns+` FROM users ORDER BY created_at`); err != nil {
		return nil, err
	}

	var owned []struct {
		ID      string `db:"id"`
		OwnerID string `db:"owner_id"`
	}
	if err := s.db.SelectContext(ctx, &owned, `SELECT id, owner_id FROM campaigns ORDER BY created_at`); err != nil {
		return nil, err
	}
	byOwner := make(map[string][]string, len(owned))
	for _, o := range owned {
		byOwner[o.OwnerID] = append(byOwner[o.OwnerID], o.ID)
	}

	result := make([]user.User, 0, len(rows))
	for _, row := range rows {
		u := row.toDomain()
		if ids, ok := byOwner[u.ID]; ok {
			u.Campaigns = ids
		}
		result = append(result, u)
	}
	return result, nil
}

// --- OTPStore ---------------------------------------------------------------

func (s *Store) SaveOTP(ctx context.Context, userID string, otp user.OTP) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET otp_hash = $2, otp_expiry = $3, otp_failures = 0 WHERE id = $1
	`, userID, otp.Hash, otp.Expiry.UTC())
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) GetOTP(ctx context.Context, userID string) (user.OTP, error) {
	var row struct {
		Hash     string       `db:"otp_hash"`
		Expiry   sql.NullTime `db:"otp_expiry"`
		Failures int          `db:"otp_failures"`
	}
	if err := s.db.GetContext(ctx, &row, `
		SELECT otp_hash, otp_expiry, otp_failures FROM users WHERE id = $1
	`, userID); err != nil {
		return user.OTP{}, mapError(err, nil)
	}
	if row.Hash == "" || !row.Expiry.Valid {
		return user.OTP{}, storage.ErrNotFound
	}
	return user.OTP{Hash: row.Hash, Expiry: row.Expiry.Time, Failures: row.Failures}, nil
}

func (s *Store) DeleteOTP(ctx context.Context, userID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET otp_hash = '', otp_expiry = NULL, otp_failures = 0 WHERE id = $1
	`, userID)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) RecordOTPFailure(ctx context.Context, userID string) (int, error) {
	var failures int
	err := s.db.GetContext(ctx, &failures, `
		UPDATE users SET otp_failures = otp_failures + 1
		WHERE id = $1 AND otp_hash <> ''
		RETURNING otp_failures
	`, userID)
	if err != nil {
		return 0, mapError(err, nil)
	}
	return failures, nil
}

// --- CampaignStore ----------------------------------------------------------

func (s *Store) CreateCampaign(ctx context.Context, c campaign.Campaign) (campaign.Campaign, error) {
	if c.Owner == "" {
		return campaign.Campaign{}, errors.New("owner required")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	c.Raised = 0
	c.DonationCount = 0
	if c.Wallets == nil {
		c.Wallets = []campaign.Wallet{}
	}

	walletsJSON, err := json.Marshal(c.Wallets)
	if err != nil {
		return campaign.Campaign{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, owner_id, title, story, image, wallets, target, expiry_date, status,
			raised, donation_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, 0, $10, $11)
	`, c.ID, c.Owner, c.Title, c.Story, c.Image, string(walletsJSON), c.Target, nullTime(c.ExpiryDate), string(c.Status),
		c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return campaign.Campaign{}, mapError(err, nil)
	}
	return c, nil
}

// UpdateCampaign writes the editable fields of a campaign that is not
// terminal. Status is only changed through UpdateCampaignStatus.
func (s *Store) UpdateCampaign(ctx context.Context, c campaign.Campaign) (campaign.Campaign, error) {
	walletsJSON, err := json.Marshal(c.Wallets)
	if err != nil {
		return campaign.Campaign{}, err
	}

	var row campaignRow
	err = s.db.GetContext(ctx, &row, `
		UPDATE campaigns
		SET title = $2, story = $3, image = $4, wallets = $5, target = $6, expiry_date = $7,
			updated_at = $8
		WHERE id = $1 AND status NOT IN ($9, $10)
		RETURNING `+campaignColumns,
		c.ID, c.Title, c.Story, c.Image, string(walletsJSON), c.Target, nullTime(c.ExpiryDate), time.Now().UTC(),
		string(campaign.StatusClosed), string(campaign.StatusExpired))
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.Campaign{}, s.campaignMissOrConflict(ctx, c.ID)
	}
	if err != nil {
		return campaign.Campaign{}, mapError(err, nil)
	}
	return row.toDomain(), nil
}

// UpdateCampaignStatus is a compare-and-set on the status column.
func (s *Store) UpdateCampaignStatus(ctx context.Context, id string, from, to campaign.Status) (campaign.Campaign, error) {
	var row campaignRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE campaigns SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
		RETURNING `+campaignColumns,
		id, string(from), string(to), time.Now().UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.Campaign{}, s.campaignMissOrConflict(ctx, id)
	}
	if err != nil {
		return campaign.Campaign{}, mapError(err, nil)
	}
	return row.toDomain(), nil
}

// campaignMissOrConflict explains why a guarded update touched no row.
func (s *Store) campaignMissOrConflict(ctx context.Context, id string) error {
	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM campaigns WHERE id = $1)`, id); err != nil {
		return err
	}
	if !exists {
		return storage.ErrNotFound
	}
	return storage.ErrStatusConflict
}

func (s *Store) GetCampaign(ctx context.Context, id string) (campaign.Campaign, error) {
	var row campaignRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id); err != nil {
		return campaign.Campaign{}, mapError(err, nil)
	}
	return row.toDomain(), nil
}

func (s *Store) ListCampaigns(ctx context.Context, filter campaign.Filter) ([]campaign.Campaign, error) {
	var rows []campaignRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE ($1 = '' OR owner_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at
	`, filter.Owner, string(filter.Status))
	if err != nil {
		return nil, err
	}
	return campaignsFromRows(rows), nil
}

func (s *Store) ListExpiring(ctx context.Context, now time.Time) ([]campaign.Campaign, error) {
	var rows []campaignRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE status = $1 AND expiry_date IS NOT NULL AND expiry_date <= $2
		ORDER BY expiry_date
	`, string(campaign.StatusPublished), now.UTC())
	if err != nil {
		return nil, err
	}
	return campaignsFromRows(rows), nil
}

func campaignsFromRows(rows []campaignRow) []campaign.Campaign {
	result := make([]campaign.Campaign, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result
}

// --- DonationStore ----------------------------------------------------------

func (s *Store) CreateDonation(ctx context.Context, d donation.Donation) (donation.Donation, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.CreatedAt = time.Now().UTC()
	d.IsVerified = false
	d.VerifiedAt = nil

	var donorJSON interface{}
	if d.Donor != nil {
		raw, err := json.Marshal(d.Donor)
		if err != nil {
			return donation.Donation{}, err
		}
		donorJSON = string(raw)
	}

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO donations (id, transaction_id, campaign_id, wallet_address, donor, is_anonymous,
				email_receipt, is_verified, amount, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8, $9)
		`, d.ID, d.TransactionID, d.CampaignID, d.WalletAddress, donorJSON, d.IsAnonymous,
			d.EmailReceipt, d.Amount, d.CreatedAt); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, `
			UPDATE campaigns SET donation_count = donation_count + 1 WHERE id = $1
		`, d.CampaignID)
		if err != nil {
			return err
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return donation.Donation{}, mapError(err, func(string) string { return d.TransactionID })
	}
	return d, nil
}

func (s *Store) GetDonation(ctx context.Context, id string) (donation.Donation, error) {
	var row donationRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+donationColumns+` FROM donations WHERE id = $1`, id); err != nil {
		return donation.Donation{}, mapError(err, nil)
	}
	return row.toDomain(), nil
}

func (s *Store) GetDonationByTransaction(ctx context.Context, transactionID string) (donation.Donation, error) {
	var row donationRow
	if err := s.db.GetContext(ctx, &row, `
		SELECT `+donationColumns+` FROM donations WHERE lower(transaction_id) = lower($1)
	`, strings.TrimSpace(transactionID)); err != nil {
		return donation.Donation{}, mapError(err, nil)
	}
	return row.toDomain(), nil
}

func (s *Store) ListDonations(ctx context.Context, campaignID string) ([]donation.Donation, error) {
	var rows []donationRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT `+donationColumns+`
		FROM donations
		WHERE campaign_id = $1
		ORDER BY created_at DESC
	`, campaignID); err != nil {
		return nil, err
	}
	return donationsFromRows(rows), nil
}

func (s *Store) ListUnverifiedDonations(ctx context.Context, limit int) ([]donation.Donation, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []donationRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT `+donationColumns+`
		FROM donations
		WHERE NOT is_verified
		ORDER BY created_at
		LIMIT $1
	`, limit); err != nil {
		return nil, err
	}
	return donationsFromRows(rows), nil
}

func (s *Store) VerifyDonation(ctx context.Context, id string, at time.Time) (donation.Donation, bool, error) {
	var (
		row     donationRow
		changed bool
	)
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &row, `
			UPDATE donations SET is_verified = TRUE, verified_at = $2
			WHERE id = $1 AND NOT is_verified
			RETURNING `+donationColumns, id, at.UTC())
		if errors.Is(err, sql.ErrNoRows) {
			return tx.GetContext(ctx, &row, `SELECT `+donationColumns+` FROM donations WHERE id = $1`, id)
		}
		if err != nil {
			return err
		}
		changed = true
		_, err = tx.ExecContext(ctx, `
			UPDATE campaigns SET raised = raised + $2 WHERE id = $1
		`, row.CampaignID, row.Amount)
		return err
	})
	if err != nil {
		return donation.Donation{}, false, mapError(err, nil)
	}
	return row.toDomain(), changed, nil
}

func donationsFromRows(rows []donationRow) []donation.Donation {
	result := make([]donation.Donation, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func userFieldValue(u user.User) func(string) string {
	return func(field string) string {
		switch field {
		case storage.FieldEmail:
			return u.Email
		case storage.FieldAlias:
			return u.Alias
		default:
			return ""
		}
	}
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
