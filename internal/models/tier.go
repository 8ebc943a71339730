// Package models defines the domain models for KeyGate.
package models

import (
	"time"

	"github.com/google/uuid"
)

// TierKind identifies a level in the reseller hierarchy.
type TierKind string

const (
	// TierMaster is the root of the hierarchy and has no parent.
	TierMaster TierKind = "master"
	// TierAdmin accounts are created by the master.
	TierAdmin TierKind = "admin"
	// TierSuper accounts are created by admins.
	TierSuper TierKind = "super"
	// TierSeller accounts are created by supers and own licenses.
	TierSeller TierKind = "seller"
)

// ChildKind returns the kind of account this tier creates beneath itself.
// Sellers create licenses, not tier accounts, so ok is false for them.
func (k TierKind) ChildKind() (TierKind, bool) {
	switch k {
	case TierMaster:
		return TierAdmin, true
	case TierAdmin:
		return TierSuper, true
	case TierSuper:
		return TierSeller, true
	default:
		return "", false
	}
}

// Level returns the depth of the tier kind, master being 0.
func (k TierKind) Level() int {
	switch k {
	case TierMaster:
		return 0
	case TierAdmin:
		return 1
	case TierSuper:
		return 2
	case TierSeller:
		return 3
	default:
		return -1
	}
}

// Valid reports whether k is a known tier kind.
func (k TierKind) Valid() bool {
	switch k {
	case TierMaster, TierAdmin, TierSuper, TierSeller:
		return true
	}
	return false
}

// TierAccount represents one node in the reseller hierarchy.
// Usernames are immutable once created; the (parent, username) pair is
// unique within its scope.
type TierAccount struct {
	ID           uuid.UUID  `json:"id"`
	Kind         TierKind   `json:"kind"`
	ParentID     *uuid.UUID `json:"parent_id,omitempty"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"-"`
	Active       bool       `json:"active"`
	// Rate is the price, in currency units, charged per billable unit
	// generated beneath this account. Informational only.
	Rate int `json:"rate"`
	// AcceptedDue is the cumulative count of billable units already settled
	// with the tier above. It only ever increases, via AcceptDue.
	AcceptedDue int `json:"accepted_due"`
	// DueDate is set when pending dues first become non-zero and cleared on
	// acceptance. A running clock past the grace window triggers cascade
	// deactivation.
	DueDate   *time.Time `json:"due_date,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// NewTierAccount creates a TierAccount under the given parent. Pass a nil
// parent only for the master account.
func NewTierAccount(kind TierKind, parentID *uuid.UUID, username, passwordHash string, rate int) *TierAccount {
	now := time.Now()
	return &TierAccount{
		ID:           uuid.New(),
		Kind:         kind,
		ParentID:     parentID,
		Username:     username,
		PasswordHash: passwordHash,
		Active:       true,
		Rate:         rate,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// IsBillingSubject reports whether the due/grace evaluator inspects this
// kind. Sellers carry their own due bookkeeping but are billed transitively
// through their super, so the evaluator skips them.
func (k TierKind) IsBillingSubject() bool {
	return k == TierMaster || k == TierAdmin || k == TierSuper
}
