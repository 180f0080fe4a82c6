package domain

import "time"

// ConsentStatus is a destination's messaging consent state.
type ConsentStatus string

const (
	ConsentOptedIn  ConsentStatus = "opted_in"
	ConsentOptedOut ConsentStatus = "opted_out"
	ConsentPending  ConsentStatus = "pending"
)

// ConsentRecord holds the consent state of one destination. A destination
// without a record is treated as pending.
type ConsentRecord struct {
	Destination   string        `db:"destination"     json:"destination"`
	Status        ConsentStatus `db:"status"          json:"status"`
	BlockedUntil  *time.Time    `db:"blocked_until"   json:"blocked_until,omitempty"`
	OptOutReason  *string       `db:"opt_out_reason"  json:"opt_out_reason,omitempty"`
	OptOutKeyword *string       `db:"opt_out_keyword" json:"opt_out_keyword,omitempty"`
	LeadID        *string       `db:"lead_id"         json:"lead_id,omitempty"`
	ConsentMethod *string       `db:"consent_method"  json:"consent_method,omitempty"`
	ConsentAt     *time.Time    `db:"consent_at"      json:"consent_at,omitempty"`
	OptOutAt      *time.Time    `db:"opt_out_at"      json:"opt_out_at,omitempty"`
	CreatedAt     time.Time     `db:"created_at"      json:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at"      json:"updated_at"`
}

// IsBlocked reports whether a block is active at now.
func (c *ConsentRecord) IsBlocked(now time.Time) bool {
	return c.BlockedUntil != nil && c.BlockedUntil.After(now)
}

// AllowsSend applies the consent rules at now: an active block always wins,
// then opted_out refuses and everything else allows.
func (c *ConsentRecord) AllowsSend(now time.Time) bool {
	if c.IsBlocked(now) {
		return false
	}
	return c.Status != ConsentOptedOut
}

// Compliance is the outcome of a compliance check for one destination.
type Compliance struct {
	Destination string        `json:"destination"`
	Compliant   bool          `json:"compliant"`
	Status      ConsentStatus `json:"status"`
	Reason      string        `json:"reason,omitempty"`
}
