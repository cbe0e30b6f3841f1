// Package allocator manages pools of single-use discount codes. Reservations
// are time-bounded claims on a block of codes; the store executes every
// counter mutation atomically so concurrent campaigns cannot oversell a pool.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"smscast/internal/domain"
	"smscast/internal/observability"
	"smscast/internal/store"
)

type Store interface {
	ReserveCodes(ctx context.Context, in store.ReserveRequest) (store.ReserveResult, error)
	ReleaseReservation(ctx context.Context, reservationID, terminalStatus string, now time.Time) (int, error)
	AssignCode(ctx context.Context, codeID, recipientID string, now time.Time) error
	NextReservedCode(ctx context.Context, reservationID string) (store.Code, bool, error)
	ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]string, error)
}

type Service struct {
	Store Store
	TTL   time.Duration

	// Now is swappable for tests.
	Now func() time.Time
}

func New(st Store, ttl time.Duration) *Service {
	return &Service{Store: st, TTL: ttl, Now: func() time.Time { return time.Now().UTC() }}
}

// Reserve claims quantity codes from the pool for a campaign. On a short
// pool it fails with PoolExhaustedError carrying needed vs. available.
func (s *Service) Reserve(ctx context.Context, poolID, campaignID string, quantity int) (domain.Reservation, error) {
	if quantity <= 0 {
		return domain.Reservation{}, fmt.Errorf("reserve quantity must be positive, got %d", quantity)
	}

	now := s.Now()
	res := domain.Reservation{
		ID:         uuid.NewString(),
		PoolID:     poolID,
		CampaignID: campaignID,
		Quantity:   quantity,
		Status:     domain.ReservationActive,
		ExpiresAt:  now.Add(s.TTL),
	}

	_, err := s.Store.ReserveCodes(ctx, store.ReserveRequest{
		PoolID:        poolID,
		CampaignID:    campaignID,
		ReservationID: res.ID,
		Quantity:      quantity,
		ExpiresAt:     res.ExpiresAt,
		Now:           now,
	})
	if err != nil {
		var exhausted *domain.PoolExhaustedError
		if errors.As(err, &exhausted) {
			observability.CodeReservations.WithLabelValues("exhausted").Inc()
		} else {
			observability.CodeReservations.WithLabelValues("error").Inc()
		}
		return domain.Reservation{}, err
	}

	observability.CodeReservations.WithLabelValues("ok").Inc()
	return res, nil
}

// Release returns a reservation's unused codes to the pool.
func (s *Service) Release(ctx context.Context, reservationID string) (int, error) {
	return s.release(ctx, reservationID, domain.ReservationReleased)
}

// Cancel is Release with a different terminal status, for callers abandoning
// a campaign before any send.
func (s *Service) Cancel(ctx context.Context, reservationID string) (int, error) {
	return s.release(ctx, reservationID, domain.ReservationCancelled)
}

func (s *Service) release(ctx context.Context, reservationID string, status domain.ReservationStatus) (int, error) {
	n, err := s.Store.ReleaseReservation(ctx, reservationID, string(status), s.Now())
	if err != nil {
		return 0, err
	}
	slog.Info("reservation released", "reservation_id", reservationID, "status", status, "codes_released", n)
	return n, nil
}

// Assign marks a reserved code as used by a recipient. Fails with
// ErrCodeNotReserved if the code was already spent or released.
func (s *Service) Assign(ctx context.Context, codeID, recipientID string) error {
	return s.Store.AssignCode(ctx, codeID, recipientID, s.Now())
}

// NextReserved returns the oldest still-reserved code under a reservation.
func (s *Service) NextReserved(ctx context.Context, reservationID string) (store.Code, bool, error) {
	return s.Store.NextReservedCode(ctx, reservationID)
}

// SweepExpired releases every active reservation past its expiry. Run
// periodically; Reserve also reclaims lazily, so the sweep just bounds how
// stale pool counters can get between reservations.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	const pageSize = 100

	swept := 0
	for {
		ids, err := s.Store.ExpiredReservations(ctx, s.Now(), pageSize)
		if err != nil {
			return swept, err
		}
		if len(ids) == 0 {
			return swept, nil
		}
		for _, id := range ids {
			if _, err := s.release(ctx, id, domain.ReservationExpired); err != nil {
				// Another worker may have released it between the list and
				// the lock; skip and move on.
				if errors.Is(err, domain.ErrReservationNotActive) {
					continue
				}
				return swept, err
			}
			swept++
		}
		if len(ids) < pageSize {
			return swept, nil
		}
	}
}
