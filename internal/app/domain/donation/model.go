package donation

import "time"

// Donor holds optional contact details supplied by a donor.
type Donor struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Country   string `json:"country"`
	State     string `json:"state"`
	Address1  string `json:"address1"`
	Address2  string `json:"address2"`
	Contact   string `json:"contact"`
	Zip       string `json:"zip"`
}

// Donation records a transfer a donor made to one of a campaign's wallets.
type Donation struct {
	ID            string     `json:"id"`
	TransactionID string     `json:"transactionId"`
	CampaignID    string     `json:"campaignId"`
	WalletAddress string     `json:"walletAddress"`
	Donor         *Donor     `json:"donor,omitempty"`
	IsAnonymous   bool       `json:"isAnonymous"`
	EmailReceipt  string     `json:"emailReceipt,omitempty"`
	IsVerified    bool       `json:"isVerified"`
	Amount        float64    `json:"amount"`
	VerifiedAt    *time.Time `json:"verifiedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdDate"`
}

// Clone returns a deep copy.
func (d Donation) Clone() Donation {
	if d.Donor != nil {
		donor := *d.Donor
		d.Donor = &donor
	}
	if d.VerifiedAt != nil {
		at := *d.VerifiedAt
		d.VerifiedAt = &at
	}
	return d
}

// Public returns the donation as it may be shown to anyone. Anonymous
// donations lose their donor details and receipt address.
func (d Donation) Public() Donation {
	d = d.Clone()
	if d.IsAnonymous {
		d.Donor = nil
		d.EmailReceipt = ""
	}
	return d
}

// Summary aggregates the donations of one campaign.
type Summary struct {
	CampaignID    string  `json:"campaignId"`
	Target        float64 `json:"target"`
	Raised        float64 `json:"raised"`
	Pending       float64 `json:"pending"`
	Count         int     `json:"count"`
	VerifiedCount int     `json:"verifiedCount"`
	Progress      float64 `json:"progress"`
}

// Summarize totals donations against a target. Only verified donations count
// towards Raised; Progress is capped at 1.
func Summarize(campaignID string, target float64, donations []Donation) Summary {
	s := Summary{CampaignID: campaignID, Target: target, Count: len(donations)}
	for _, d := range donations {
		if d.IsVerified {
			s.Raised += d.Amount
			s.VerifiedCount++
		} else {
			s.Pending += d.Amount
		}
	}
	if target > 0 {
		s.Progress = s.Raised / target
		if s.Progress > 1 {
			s.Progress = 1
		}
	}
	return s
}
