package domain

import "time"

// ExpiredRetention is how long stores keep a record past ExpiresAt so a late
// verify can be told "expired" rather than "invalid".
const ExpiredRetention = 5 * time.Minute

// OTPRecord is the stored state of one issued code. Exactly one record lives per
// (AppID, Identity); a reissue overwrites it.
type OTPRecord struct {
	AppID      string    `json:"app_id"`
	Identity   string    `json:"identity"`
	CodeDigest string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Attempts   int       `json:"attempts"`
}

// IsExpired reports whether the record is no longer usable at now.
func (r *OTPRecord) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Locked reports whether the record has used up its attempts.
func (r *OTPRecord) Locked(maxAttempts int) bool {
	return r.Attempts >= maxAttempts
}

// Retain reports whether a store should still keep the record at now.
func (r *OTPRecord) Retain(now time.Time) bool {
	return now.Before(r.ExpiresAt.Add(ExpiredRetention))
}

// Receipt is what a delivery channel reports back after a send.
type Receipt struct {
	ProviderMessageID string `json:"provider_message_id,omitempty"`
}

// Event types published on the OTP lifecycle topic.
const (
	EventIssued         = "otp.issued"
	EventDeliveryFailed = "otp.delivery_failed"
	EventVerified       = "otp.verified"
	EventLocked         = "otp.locked"
)

// Event is a lifecycle notification. It never carries the code or its digest.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	AppID      string    `json:"app_id"`
	Identity   string    `json:"identity"`
	Channel    string    `json:"channel,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
