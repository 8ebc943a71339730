package models

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultPlan is the plan tag assigned to newly created licenses.
	DefaultPlan = "Basic"
	// LicenseTermDays is the validity period granted on creation and on
	// each renewal, counted from the moment of the operation.
	LicenseTermDays = 30
)

// License represents an end-user license key owned by a seller. A license
// binds to at most one device fingerprint; an empty MAC means unbound.
type License struct {
	Key      string    `json:"key"`
	SellerID uuid.UUID `json:"seller_id"`
	MAC      string    `json:"mac"`
	Expiry   time.Time `json:"expiry"`
	Active   bool      `json:"active"`
	Paid     bool      `json:"paid"`
	Plan     string    `json:"plan"`
	// RenewCount is incremented once per renewal. Each renewal permanently
	// adds one billable unit regardless of the license's current state.
	RenewCount int       `json:"renew_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// NormalizeKey canonicalizes a license key: surrounding whitespace is
// stripped and the key is uppercased.
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// NewLicense creates an unpaid, unbound license for the given seller,
// valid for LicenseTermDays from now.
func NewLicense(key string, sellerID uuid.UUID) *License {
	now := time.Now()
	return &License{
		Key:       NormalizeKey(key),
		SellerID:  sellerID,
		MAC:       "",
		Expiry:    ExpiryFrom(now),
		Active:    true,
		Paid:      false,
		Plan:      DefaultPlan,
		CreatedAt: now,
	}
}

// ExpiryFrom returns the expiry date for a license created or renewed at t.
func ExpiryFrom(t time.Time) time.Time {
	d := t.AddDate(0, 0, LicenseTermDays)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysLeft returns the whole days remaining until expiry, negative once the
// license has expired. The division floors, so an expiry earlier today is
// already negative.
func (l *License) DaysLeft(now time.Time) int {
	return int(math.Floor(l.Expiry.Sub(now).Hours() / 24))
}

// Billable reports whether the license currently contributes its base
// billable unit. Renewals contribute separately via RenewCount.
func (l *License) Billable() bool {
	return l.Paid && l.Active
}
