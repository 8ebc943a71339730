// Package licensing implements the license validation state machine and
// the device-binding rule: a license binds to the first device fingerprint
// that validates it while unbound, permanently until an explicit reset.
package licensing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MacJediWizard/keygate/internal/metrics"
	"github.com/MacJediWizard/keygate/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Reason classifies why a validation call was rejected.
type Reason string

const (
	ReasonKeyNotFound    Reason = "KEY_NOT_FOUND"
	ReasonDeactivated    Reason = "DEACTIVATED"
	ReasonUnpaid         Reason = "UNPAID"
	ReasonExpired        Reason = "EXPIRED"
	ReasonDeviceConflict Reason = "BOUND_TO_OTHER_DEVICE"
)

// RejectionError carries the rejection reason and a user-facing message.
type RejectionError struct {
	Reason  Reason
	Message string
}

func (e *RejectionError) Error() string {
	return e.Message
}

// AsRejection unwraps err into a RejectionError if it is one.
func AsRejection(err error) (*RejectionError, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

var (
	errKeyNotFound = &RejectionError{ReasonKeyNotFound, "License key not found"}
	errDeactivated = &RejectionError{ReasonDeactivated, "License is deactivated"}
	errUnpaid      = &RejectionError{ReasonUnpaid, "License is not paid"}
	errExpired     = &RejectionError{ReasonExpired, "License expired"}
	errDeviceBound = &RejectionError{ReasonDeviceConflict, "License bound to another device"}
)

// Store defines the persistence operations the validator needs. ErrNotFound
// from GetLicenseByKey maps to KEY_NOT_FOUND.
type Store interface {
	GetLicenseByKey(ctx context.Context, key string) (*models.License, error)
	// BindLicenseMAC must be an atomic conditional update: the bind takes
	// effect only if the license is still unbound at write time.
	BindLicenseMAC(ctx context.Context, key, mac string) (bool, error)
	ResetLicenseMAC(ctx context.Context, key string) error
	RenewLicense(ctx context.Context, key string, expiry time.Time) error
	SetLicensePaid(ctx context.Context, key string, paid bool) error
}

// Biller records billable events so the owning tier chain's due clocks
// start when usage grows.
type Biller interface {
	RecordBillableEvent(ctx context.Context, sellerID uuid.UUID, now time.Time) error
}

// Result is a successful validation outcome.
type Result struct {
	DaysLeft int
	Plan     string
}

// Validator is the request-time license state machine.
type Validator struct {
	store    Store
	notFound error
	biller   Biller
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewValidator creates a Validator. notFound is the store's not-found
// sentinel (db.ErrNotFound in production). biller may be nil for surfaces
// that never renew or mark paid.
func NewValidator(store Store, notFound error, biller Biller, m *metrics.Metrics, logger zerolog.Logger) *Validator {
	return &Validator{
		store:    store,
		notFound: notFound,
		biller:   biller,
		metrics:  m,
		logger:   logger.With().Str("component", "license_validator").Logger(),
	}
}

// Validate runs the validation state machine for one (key, device) call.
// The checks run in fixed order: existence, active, paid, expiry, then
// device binding. An unbound license binds to the caller's device with a
// first-writer-wins conditional write; the loser of a concurrent bind
// re-reads and is rejected against the winner's fingerprint.
func (v *Validator) Validate(ctx context.Context, key, device string, now time.Time) (*Result, error) {
	key = models.NormalizeKey(key)

	lic, err := v.store.GetLicenseByKey(ctx, key)
	if err != nil {
		if errors.Is(err, v.notFound) {
			v.metrics.RecordValidation("key_not_found")
			return nil, errKeyNotFound
		}
		v.metrics.RecordValidation("error")
		return nil, fmt.Errorf("look up license: %w", err)
	}

	if !lic.Active {
		// Covers direct deactivation and upstream cascade alike; the
		// validator does not distinguish the cause.
		v.metrics.RecordValidation("deactivated")
		return nil, errDeactivated
	}
	if !lic.Paid {
		v.metrics.RecordValidation("unpaid")
		return nil, errUnpaid
	}

	daysLeft := lic.DaysLeft(now)
	if daysLeft < 0 {
		v.metrics.RecordValidation("expired")
		return nil, errExpired
	}

	if err := v.bind(ctx, lic, device); err != nil {
		if _, ok := AsRejection(err); ok {
			v.metrics.RecordValidation("device_conflict")
		} else {
			v.metrics.RecordValidation("error")
		}
		return nil, err
	}

	v.metrics.RecordValidation("accepted")
	return &Result{DaysLeft: daysLeft, Plan: lic.Plan}, nil
}

func (v *Validator) bind(ctx context.Context, lic *models.License, device string) error {
	if lic.MAC == device {
		// Idempotent re-validation from the bound device, or an unbound
		// license probed without a fingerprint.
		return nil
	}
	if lic.MAC != "" {
		return errDeviceBound
	}

	bound, err := v.store.BindLicenseMAC(ctx, lic.Key, device)
	if err != nil {
		return fmt.Errorf("bind device: %w", err)
	}
	if bound {
		v.logger.Info().
			Str("key", lic.Key).
			Str("device", device).
			Msg("license bound to device")
		return nil
	}

	// Lost the bind race; re-read and judge against the winner.
	current, err := v.store.GetLicenseByKey(ctx, lic.Key)
	if err != nil {
		return fmt.Errorf("re-read after bind race: %w", err)
	}
	if current.MAC == device {
		return nil
	}
	return errDeviceBound
}

// Reset unbinds the license from its device. Available to the owning
// seller and to the currently bound end-user session; paid, active and
// expiry are untouched.
func (v *Validator) Reset(ctx context.Context, key string) error {
	key = models.NormalizeKey(key)
	if err := v.store.ResetLicenseMAC(ctx, key); err != nil {
		return err
	}
	v.logger.Info().Str("key", key).Msg("license device binding reset")
	return nil
}

// Renew extends the license by the standard term counted from now, never
// from the old expiry, and counts the renewal as a billable event for the
// owning tier chain.
func (v *Validator) Renew(ctx context.Context, key string, now time.Time) (*models.License, error) {
	key = models.NormalizeKey(key)

	lic, err := v.store.GetLicenseByKey(ctx, key)
	if err != nil {
		return nil, err
	}

	expiry := models.ExpiryFrom(now)
	if err := v.store.RenewLicense(ctx, key, expiry); err != nil {
		return nil, err
	}
	lic.Expiry = expiry
	lic.RenewCount++

	if v.biller != nil {
		if err := v.biller.RecordBillableEvent(ctx, lic.SellerID, now); err != nil {
			// The renewal is already durable; a failed clock start will be
			// retried by the next billable event.
			v.logger.Error().Err(err).Str("key", key).Msg("record billable event after renew failed")
		}
	}

	v.logger.Info().
		Str("key", key).
		Time("expiry", expiry).
		Int("renew_count", lic.RenewCount).
		Msg("license renewed")
	return lic, nil
}

// MarkPaid flags the license as paid and records the billable event.
func (v *Validator) MarkPaid(ctx context.Context, key string, now time.Time) error {
	key = models.NormalizeKey(key)

	lic, err := v.store.GetLicenseByKey(ctx, key)
	if err != nil {
		return err
	}
	if err := v.store.SetLicensePaid(ctx, key, true); err != nil {
		return err
	}

	if v.biller != nil {
		if err := v.biller.RecordBillableEvent(ctx, lic.SellerID, now); err != nil {
			v.logger.Error().Err(err).Str("key", key).Msg("record billable event after mark-paid failed")
		}
	}

	v.logger.Info().Str("key", key).Msg("license marked paid")
	return nil
}
