package users

import "time"

// User is the account record this service verifies phone ownership for.
// Verification fields are mutated only by the verification handler;
// the mobile app polls them to learn the outcome.
type User struct {
	ID         string
	Name       string
	Phone      string
	SecretHash []byte
	IsAdmin    bool

	// IsPhoneVerified flips to true only through a successful
	// end-to-end ownership check.
	IsPhoneVerified bool
	// WhatsAppLID is the anonymized identity this account is locked to,
	// empty while unbound. Once set it is never silently overwritten.
	WhatsAppLID string
	// LastVerificationError carries the human-readable reason of the
	// most recent rejected attempt, empty after a success.
	LastVerificationError string

	TokenVersion int
	CreatedAt    time.Time
}

// Credentials is the login/registration request payload.
type Credentials struct {
	Name   string
	Phone  string
	Secret string
}

// VerificationResult is the committed outcome of a successful ownership
// check.
type VerificationResult struct {
	UserID string
	Phone  string
	// LID is set when the sender belonged to the anonymized namespace
	// and the account must be locked to it; empty otherwise.
	LID string
}
