package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"smscast/internal/domain"
	"smscast/internal/store"
)

// Allocator mutations run as single transactions with the pool row locked
// first. The pool lock serializes concurrent reservations against one pool;
// without it the check-then-act span oversells codes.

func (s *Store) ReserveCodes(ctx context.Context, in store.ReserveRequest) (store.ReserveResult, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return store.ReserveResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var total, reserved, used int
	row := tx.QueryRow(ctx, `
		SELECT total, reserved, used FROM discount_code_pools WHERE id=$1 FOR UPDATE
	`, in.PoolID)
	if err := row.Scan(&total, &reserved, &used); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ReserveResult{}, fmt.Errorf("discount pool %s not found", in.PoolID)
		}
		return store.ReserveResult{}, err
	}

	// Lazy reclamation: expired-but-active reservations are released before
	// the availability check, so their codes count as available again.
	reclaimed, err := s.reclaimExpiredLocked(ctx, tx, in.PoolID, in.Now)
	if err != nil {
		return store.ReserveResult{}, err
	}
	reserved -= reclaimed

	available := total - reserved - used
	if available < in.Quantity {
		return store.ReserveResult{}, &domain.PoolExhaustedError{
			PoolID:    in.PoolID,
			Needed:    in.Quantity,
			Available: available,
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO discount_code_reservations (id, pool_id, campaign_id, quantity, status, expires_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,'active',$5,$6,$6)
	`, in.ReservationID, in.PoolID, in.CampaignID, in.Quantity, in.ExpiresAt, in.Now)
	if err != nil {
		return store.ReserveResult{}, err
	}

	rows, err := tx.Query(ctx, `
		UPDATE discount_codes SET status='reserved', reservation_id=$2, reserved_at=$3
		WHERE id IN (
			SELECT id FROM discount_codes
			WHERE pool_id=$1 AND status='available'
			ORDER BY created_at ASC, id ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id
	`, in.PoolID, in.ReservationID, in.Now, in.Quantity)
	if err != nil {
		return store.ReserveResult{}, err
	}
	var codeIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return store.ReserveResult{}, err
		}
		codeIDs = append(codeIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return store.ReserveResult{}, err
	}
	if len(codeIDs) < in.Quantity {
		// Counters said yes but the code rows disagree. Roll back rather
		// than hand out a short reservation.
		return store.ReserveResult{}, fmt.Errorf("pool %s counters out of sync: wanted %d codes, found %d",
			in.PoolID, in.Quantity, len(codeIDs))
	}

	_, err = tx.Exec(ctx, `
		UPDATE discount_code_pools SET reserved = reserved + $2, updated_at=$3 WHERE id=$1
	`, in.PoolID, len(codeIDs), in.Now)
	if err != nil {
		return store.ReserveResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return store.ReserveResult{}, err
	}
	return store.ReserveResult{ReservationID: in.ReservationID, CodeIDs: codeIDs}, nil
}

// reclaimExpiredLocked releases every expired active reservation of the pool
// and adjusts the pool counter. Caller must hold the pool row lock.
func (s *Store) reclaimExpiredLocked(ctx context.Context, tx pgx.Tx, poolID string, now time.Time) (int, error) {
	rows, err := tx.Query(ctx, `
		SELECT id FROM discount_code_reservations
		WHERE pool_id=$1 AND status='active' AND expires_at < $2
		FOR UPDATE
	`, poolID, now)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	reclaimed := 0
	for _, id := range ids {
		n, err := releaseCodesLocked(ctx, tx, id)
		if err != nil {
			return 0, err
		}
		reclaimed += n
		if _, err := tx.Exec(ctx, `
			UPDATE discount_code_reservations SET status='expired', updated_at=$2 WHERE id=$1
		`, id, now); err != nil {
			return 0, err
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE discount_code_pools SET reserved = reserved - $2, updated_at=$3 WHERE id=$1
	`, poolID, reclaimed, now); err != nil {
		return 0, err
	}
	return reclaimed, nil
}

func releaseCodesLocked(ctx context.Context, tx pgx.Tx, reservationID string) (int, error) {
	ct, err := tx.Exec(ctx, `
		UPDATE discount_codes SET status='available', reservation_id=NULL, reserved_at=NULL
		WHERE reservation_id=$1 AND status='reserved'
	`, reservationID)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

// ReleaseReservation returns a reservation's still-reserved codes to the
// pool. The counter moves by the count actually released, not the quantity
// originally requested, so partial consumption is tolerated.
func (s *Store) ReleaseReservation(ctx context.Context, reservationID, terminalStatus string, now time.Time) (int, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Read the pool id unlocked, then lock pool before reservation: same
	// order as ReserveCodes, so the two cannot deadlock each other.
	var poolID string
	row := tx.QueryRow(ctx, `SELECT pool_id FROM discount_code_reservations WHERE id=$1`, reservationID)
	if err := row.Scan(&poolID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("reservation %s not found", reservationID)
		}
		return 0, err
	}

	if _, err := tx.Exec(ctx, `SELECT 1 FROM discount_code_pools WHERE id=$1 FOR UPDATE`, poolID); err != nil {
		return 0, err
	}

	var status string
	row = tx.QueryRow(ctx, `SELECT status FROM discount_code_reservations WHERE id=$1 FOR UPDATE`, reservationID)
	if err := row.Scan(&status); err != nil {
		return 0, err
	}
	if status != string(domain.ReservationActive) {
		return 0, domain.ErrReservationNotActive
	}

	released, err := releaseCodesLocked(ctx, tx, reservationID)
	if err != nil {
		return 0, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE discount_code_pools SET reserved = reserved - $2, updated_at=$3 WHERE id=$1
	`, poolID, released, now); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE discount_code_reservations SET status=$2, updated_at=$3 WHERE id=$1
	`, reservationID, terminalStatus, now); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return released, nil
}

// AssignCode flips a reserved code to used, attributed to a recipient. A code
// that is not reserved under an active, unexpired reservation cannot be
// assigned; that is the double-spend guard.
func (s *Store) AssignCode(ctx context.Context, codeID, recipientID string, now time.Time) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var poolID string
	row := tx.QueryRow(ctx, `SELECT pool_id FROM discount_codes WHERE id=$1`, codeID)
	if err := row.Scan(&poolID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("discount code %s not found", codeID)
		}
		return err
	}

	if _, err := tx.Exec(ctx, `SELECT 1 FROM discount_code_pools WHERE id=$1 FOR UPDATE`, poolID); err != nil {
		return err
	}

	ct, err := tx.Exec(ctx, `
		UPDATE discount_codes SET status='used', assigned_to=$2, reserved_at=NULL
		WHERE id=$1 AND status='reserved' AND reservation_id IN (
			SELECT id FROM discount_code_reservations WHERE status='active' AND expires_at >= $3
		)
	`, codeID, recipientID, now)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrCodeNotReserved
	}

	if _, err := tx.Exec(ctx, `
		UPDATE discount_code_pools SET reserved = reserved - 1, used = used + 1, updated_at=$2 WHERE id=$1
	`, poolID, now); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// NextReservedCode picks the oldest still-reserved code under a reservation.
func (s *Store) NextReservedCode(ctx context.Context, reservationID string) (store.Code, bool, error) {
	var c store.Code
	row := s.DB.QueryRow(ctx, `
		SELECT id, pool_id, code, status FROM discount_codes
		WHERE reservation_id=$1 AND status='reserved'
		ORDER BY reserved_at ASC, id ASC
		LIMIT 1
	`, reservationID)
	if err := row.Scan(&c.ID, &c.PoolID, &c.Code, &c.Status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Code{}, false, nil
		}
		return store.Code{}, false, err
	}
	return c, true, nil
}

// ExpiredReservations lists active reservations past their expiry, for the
// periodic sweep.
func (s *Store) ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]string, error) {
	q, args, err := s.sb.
		Select("id").
		From("discount_code_reservations").
		Where(sq.Eq{"status": "active"}).
		Where(sq.Lt{"expires_at": now}).
		OrderBy("expires_at ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
