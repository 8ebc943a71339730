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

const tierAccountColumns = `id, kind, parent_id, username, password_hash, active, rate, accepted_due, due_date, created_at, updated_at`

// subtreeCTE selects the ids (and kinds) of a node and every descendant.
const subtreeCTE = `
	WITH RECURSIVE subtree AS (
		SELECT id, kind FROM tier_accounts WHERE id = $1
		UNION ALL
		SELECT t.id, t.kind FROM tier_accounts t
		JOIN subtree s ON t.parent_id = s.id
	)`

func scanTierAccount(row pgx.Row) (*models.TierAccount, error) {
	var acct models.TierAccount
	var kindStr string
	err := row.Scan(
		&acct.ID, &kindStr, &acct.ParentID, &acct.Username, &acct.PasswordHash,
		&acct.Active, &acct.Rate, &acct.AcceptedDue, &acct.DueDate,
		&acct.CreatedAt, &acct.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan tier account: %w", err)
	}
	acct.Kind = models.TierKind(kindStr)
	return &acct, nil
}

// CreateTierAccount inserts a new tier account. Returns ErrAlreadyExists if
// the username is taken.
func (db *DB) CreateTierAccount(ctx context.Context, acct *models.TierAccount) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO tier_accounts (`+tierAccountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, acct.ID, string(acct.Kind), acct.ParentID, acct.Username, acct.PasswordHash,
		acct.Active, acct.Rate, acct.AcceptedDue, acct.DueDate,
		acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create tier account: %w", err)
	}
	return nil
}

// GetTierAccountByID returns the tier account with the given id.
func (db *DB) GetTierAccountByID(ctx context.Context, id uuid.UUID) (*models.TierAccount, error) {
	row := db.Pool.QueryRow(ctx, `
		SELECT `+tierAccountColumns+` FROM tier_accounts WHERE id = $1
	`, id)
	return scanTierAccount(row)
}

// GetTierAccountByUsername returns the tier account with the given username.
// Usernames are immutable and globally unique.
func (db *DB) GetTierAccountByUsername(ctx context.Context, username string) (*models.TierAccount, error) {
	row := db.Pool.QueryRow(ctx, `
		SELECT `+tierAccountColumns+` FROM tier_accounts WHERE username = $1
	`, username)
	return scanTierAccount(row)
}

// ListChildren returns the direct children of the given tier account,
// active and inactive alike.
func (db *DB) ListChildren(ctx context.Context, parentID uuid.UUID) ([]*models.TierAccount, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+tierAccountColumns+` FROM tier_accounts
		WHERE parent_id = $1
		ORDER BY username
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()

	var accounts []*models.TierAccount
	for rows.Next() {
		acct, err := scanTierAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

// ListActiveTierAccountsByKind returns all active accounts of one kind.
// The grace evaluator walks kinds top-down with this.
func (db *DB) ListActiveTierAccountsByKind(ctx context.Context, kind models.TierKind) ([]*models.TierAccount, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+tierAccountColumns+` FROM tier_accounts
		WHERE kind = $1 AND active
		ORDER BY created_at
	`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list tier accounts by kind: %w", err)
	}
	defer rows.Close()

	var accounts []*models.TierAccount
	for rows.Next() {
		acct, err := scanTierAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

// UpdateTierRate sets the per-unit billing rate for a tier account.
func (db *DB) UpdateTierRate(ctx context.Context, id uuid.UUID, rate int) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE tier_accounts SET rate = $2, updated_at = NOW() WHERE id = $1
	`, id, rate)
	if err != nil {
		return fmt.Errorf("update tier rate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTierPassword replaces the stored credential hash.
func (db *DB) UpdateTierPassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE tier_accounts SET password_hash = $2, updated_at = NOW() WHERE id = $1
	`, id, passwordHash)
	if err != nil {
		return fmt.Errorf("update tier password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTierActive flips the active flag on a single node. Reactivation is
// deliberately non-cascading: dormant descendants stay dormant.
func (db *DB) SetTierActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE tier_accounts SET active = $2, updated_at = NOW() WHERE id = $1
	`, id, active)
	if err != nil {
		return fmt.Errorf("set tier active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTierDueDate starts the due clock on a node. The clock is only set when
// none is already running, so a later billable event never resets it.
func (db *DB) SetTierDueDate(ctx context.Context, id uuid.UUID, dueDate time.Time) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE tier_accounts SET due_date = $2, updated_at = NOW()
		WHERE id = $1 AND due_date IS NULL
	`, id, dueDate)
	if err != nil {
		return fmt.Errorf("set tier due date: %w", err)
	}
	return nil
}

// ApplyAcceptedDue credits units against the node's pending dues and stops
// the due clock.
func (db *DB) ApplyAcceptedDue(ctx context.Context, id uuid.UUID, units int) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE tier_accounts
		SET accepted_due = accepted_due + $2, due_date = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, units)
	if err != nil {
		return fmt.Errorf("apply accepted due: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CascadeDeactivate deactivates a tier account, every descendant account,
// and every license owned by any seller in the subtree, in one transaction
// so no reader observes a half-deactivated hierarchy. Records are preserved.
func (db *DB) CascadeDeactivate(ctx context.Context, id uuid.UUID) error {
	return db.ExecTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, subtreeCTE+`
			UPDATE tier_accounts SET active = FALSE, updated_at = NOW()
			WHERE id IN (SELECT id FROM subtree)
		`, id)
		if err != nil {
			return fmt.Errorf("cascade deactivate accounts: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}

		licTag, err := tx.Exec(ctx, subtreeCTE+`
			UPDATE licenses SET active = FALSE
			WHERE seller_id IN (SELECT id FROM subtree WHERE kind = 'seller')
		`, id)
		if err != nil {
			return fmt.Errorf("cascade deactivate licenses: %w", err)
		}

		db.logger.Info().
			Str("root_id", id.String()).
			Int64("accounts", tag.RowsAffected()).
			Int64("licenses", licTag.RowsAffected()).
			Msg("cascade deactivated subtree")
		return nil
	})
}

// DeleteSubtree permanently removes a tier account, its descendants, and
// all licenses transitively owned. Foreign keys cascade, so the single
// delete of the root is atomic over the whole subtree.
func (db *DB) DeleteSubtree(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM tier_accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subtree: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	db.logger.Info().Str("root_id", id.String()).Msg("deleted subtree")
	return nil
}

// IsAncestor reports whether ancestorID appears on nodeID's parent chain.
// A node is not its own ancestor.
func (db *DB) IsAncestor(ctx context.Context, ancestorID, nodeID uuid.UUID) (bool, error) {
	var found bool
	err := db.Pool.QueryRow(ctx, `
		WITH RECURSIVE ancestors AS (
			SELECT parent_id FROM tier_accounts WHERE id = $1
			UNION ALL
			SELECT t.parent_id FROM tier_accounts t
			JOIN ancestors a ON t.id = a.parent_id
		)
		SELECT EXISTS(SELECT 1 FROM ancestors WHERE parent_id = $2)
	`, nodeID, ancestorID).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("check ancestry: %w", err)
	}
	return found, nil
}
