package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MacJediWizard/keygate/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const licenseColumns = `key, seller_id, mac, expiry, active, paid, plan, renew_count, created_at`

func scanLicense(row pgx.Row) (*models.License, error) {
	var lic models.License
	err := row.Scan(
		&lic.Key, &lic.SellerID, &lic.MAC, &lic.Expiry,
		&lic.Active, &lic.Paid, &lic.Plan, &lic.RenewCount, &lic.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan license: %w", err)
	}
	return &lic, nil
}

// CreateLicense inserts a new license. Returns ErrAlreadyExists if the key
// is taken.
func (db *DB) CreateLicense(ctx context.Context, lic *models.License) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO licenses (`+licenseColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, lic.Key, lic.SellerID, lic.MAC, lic.Expiry, lic.Active, lic.Paid,
		lic.Plan, lic.RenewCount, lic.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create license: %w", err)
	}
	return nil
}

// GetLicenseByKey returns the license with the given (already normalized)
// key.
func (db *DB) GetLicenseByKey(ctx context.Context, key string) (*models.License, error) {
	row := db.Pool.QueryRow(ctx, `
		SELECT `+licenseColumns+` FROM licenses WHERE key = $1
	`, key)
	return scanLicense(row)
}

// ListLicensesBySeller returns all licenses owned by a seller.
func (db *DB) ListLicensesBySeller(ctx context.Context, sellerID uuid.UUID) ([]*models.License, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+licenseColumns+` FROM licenses
		WHERE seller_id = $1
		ORDER BY created_at
	`, sellerID)
	if err != nil {
		return nil, fmt.Errorf("list licenses by seller: %w", err)
	}
	defer rows.Close()

	var licenses []*models.License
	for rows.Next() {
		lic, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		licenses = append(licenses, lic)
	}
	return licenses, rows.Err()
}

// DeleteLicense permanently removes a license.
func (db *DB) DeleteLicense(ctx context.Context, key string) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM licenses WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("delete license: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// BindLicenseMAC binds a device fingerprint to a license only if the
// license is still unbound at write time. Returns false when another
// device won the race; the caller should re-read and re-evaluate.
func (db *DB) BindLicenseMAC(ctx context.Context, key, mac string) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE licenses SET mac = $2 WHERE key = $1 AND mac = ''
	`, key, mac)
	if err != nil {
		return false, fmt.Errorf("bind license mac: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ResetLicenseMAC unbinds a license from its device.
func (db *DB) ResetLicenseMAC(ctx context.Context, key string) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE licenses SET mac = '' WHERE key = $1
	`, key)
	if err != nil {
		return fmt.Errorf("reset license mac: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetLicensePaid marks a license paid or unpaid.
func (db *DB) SetLicensePaid(ctx context.Context, key string, paid bool) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE licenses SET paid = $2 WHERE key = $1
	`, key, paid)
	if err != nil {
		return fmt.Errorf("set license paid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetLicenseActive flips the active flag on a single license.
func (db *DB) SetLicenseActive(ctx context.Context, key string, active bool) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE licenses SET active = $2 WHERE key = $1
	`, key, active)
	if err != nil {
		return fmt.Errorf("set license active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RenewLicense extends a license to the new expiry and counts the renewal.
// Renewals never compound: the caller computes expiry from now, not from
// the old expiry.
func (db *DB) RenewLicense(ctx context.Context, key string, expiry time.Time) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE licenses SET expiry = $2, renew_count = renew_count + 1
		WHERE key = $1
	`, key, expiry)
	if err != nil {
		return fmt.Errorf("renew license: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUnpaidLicensesCreatedBefore returns unpaid licenses older than the
// cutoff, candidates for the provisional-license purge.
func (db *DB) ListUnpaidLicensesCreatedBefore(ctx context.Context, cutoff time.Time) ([]*models.License, error) {
	return db.listLicensesWhere(ctx, `NOT paid AND created_at < $1`, cutoff)
}

// ListPaidLicensesExpiredBefore returns paid licenses whose expiry is
// earlier than the cutoff, candidates for the post-expiry retention purge.
func (db *DB) ListPaidLicensesExpiredBefore(ctx context.Context, cutoff time.Time) ([]*models.License, error) {
	return db.listLicensesWhere(ctx, `paid AND expiry < $1`, cutoff)
}

func (db *DB) listLicensesWhere(ctx context.Context, where string, args ...any) ([]*models.License, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+licenseColumns+` FROM licenses WHERE `+where+` ORDER BY created_at
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	defer rows.Close()

	var licenses []*models.License
	for rows.Next() {
		lic, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		licenses = append(licenses, lic)
	}
	return licenses, rows.Err()
}

// LicenseStats summarizes a seller's licenses for panel views.
type LicenseStats struct {
	Total  int `json:"total"`
	Paid   int `json:"paid"`
	Unpaid int `json:"unpaid"`
}

// GetLicenseStatsBySeller returns total/paid/unpaid counts for a seller.
func (db *DB) GetLicenseStatsBySeller(ctx context.Context, sellerID uuid.UUID) (*LicenseStats, error) {
	var stats LicenseStats
	err := db.Pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE paid),
		       COUNT(*) FILTER (WHERE NOT paid)
		FROM licenses WHERE seller_id = $1
	`, sellerID).Scan(&stats.Total, &stats.Paid, &stats.Unpaid)
	if err != nil {
		return nil, fmt.Errorf("license stats: %w", err)
	}
	return &stats, nil
}
