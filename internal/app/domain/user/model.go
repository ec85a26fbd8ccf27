package user

import "time"

// OTP is a pending one-time password. Only the hash is stored.
type OTP struct {
	Hash     string    `json:"-"`
	Expiry   time.Time `json:"-"`
	Failures int       `json:"-"`
}

// Expired reports whether the code can no longer be used at now.
func (o *OTP) Expired(now time.Time) bool {
	return o == nil || !now.Before(o.Expiry)
}

// User is a platform member. Any user may own campaigns; donors do not need
// an account.
type User struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Alias         string    `json:"alias"`
	Name          string    `json:"name,omitempty"`
	Bio           string    `json:"bio,omitempty"`
	Phone         string    `json:"phone,omitempty"`
	Image         string    `json:"image,omitempty"`
	Address       string    `json:"address,omitempty"`
	Social        []string  `json:"social,omitempty"`
	WalletID      string    `json:"walletId,omitempty"`
	IsActive      bool      `json:"isActive"`
	EmailVerified bool      `json:"emailVerified"`
	IsAgency      bool      `json:"isAgency"`
	OTP           *OTP      `json:"-"`
	Campaigns     []string  `json:"campaigns"`
	CreatedAt     time.Time `json:"createdDate"`
	UpdatedAt     time.Time `json:"updatedDate"`
}

// Clone returns a deep copy.
func (u User) Clone() User {
	u.Social = append([]string(nil), u.Social...)
	u.Campaigns = append([]string{}, u.Campaigns...)
	if u.OTP != nil {
		otp := *u.OTP
		u.OTP = &otp
	}
	return u
}

// HasCampaign reports whether id is among the user's campaigns.
func (u User) HasCampaign(id string) bool {
	for _, c := range u.Campaigns {
		if c == id {
			return true
		}
	}
	return false
}
