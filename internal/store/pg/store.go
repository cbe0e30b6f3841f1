package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"smscast/internal/store"
)

const uniqueViolation = "23505"

type Store struct {
	DB *pgxpool.Pool
	sb sq.StatementBuilderType
}

func New(db *pgxpool.Pool) *Store {
	return &Store{
		DB: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// InsertEvent persists an inbound event under its dedupe key. A conflicting
// insert means the event was already seen; that is a success, not an error.
func (s *Store) InsertEvent(ctx context.Context, in store.EventInsert) (duplicate bool, err error) {
	_, err = s.DB.Exec(ctx, `
		INSERT INTO events (id, shop_id, topic, object_id, dedupe_key, payload, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, in.ID, in.ShopID, in.Topic, in.ObjectID, in.DedupeKey, in.Payload, in.Now)
	if err != nil {
		if isUniqueViolation(err) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

func (s *Store) MarkEventProcessed(ctx context.Context, eventID string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE events SET processed_at=$2, error=NULL WHERE id=$1
	`, eventID, now)
	return err
}

func (s *Store) MarkEventError(ctx context.Context, eventID, errMsg string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE events SET processed_at=$2, error=$3 WHERE id=$1
	`, eventID, now, errMsg)
	return err
}

func (s *Store) FindMessageByIdempotency(ctx context.Context, shopID, idemKey string) (store.IdempotencyResult, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, status FROM messages WHERE shop_id=$1 AND idempotency_key=$2
	`, shopID, idemKey)
	var msgID, status string
	if err := row.Scan(&msgID, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.IdempotencyResult{Found: false}, nil
		}
		return store.IdempotencyResult{}, err
	}
	return store.IdempotencyResult{MessageID: msgID, Status: status, Found: true}, nil
}

func (s *Store) InsertMessage(ctx context.Context, in store.MessageInsert) error {
	meta, _ := json.Marshal(in.Meta)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO messages
			(id, shop_id, contact_id, campaign_id, automation_id, to_phone, body,
			 provider, idempotency_key, meta, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
	`, in.ID, in.ShopID, nullIfEmpty(in.ContactID), nullIfEmpty(in.CampaignID),
		nullIfEmpty(in.AutomationID), in.ToPhone, in.Body, in.Provider,
		nullIfEmpty(in.IdemKey), meta, in.Status, in.Now)
	return err
}

func (s *Store) MarkMessageSent(ctx context.Context, in store.MessageSent) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE messages SET status='sent', provider_msg_id=$2, sent_at=$3, updated_at=$3
		WHERE id=$1
	`, in.ID, in.ProviderMsgID, in.Now)
	return err
}

func (s *Store) MarkMessageFailed(ctx context.Context, in store.MessageFailed) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE messages SET status='failed', error_code=$2, error_message=$3, failed_at=$4, updated_at=$4
		WHERE id=$1
	`, in.ID, nullIfEmpty(in.ErrorCode), nullIfEmpty(in.ErrorMessage), in.Now)
	return err
}

func (s *Store) GetMessage(ctx context.Context, msgID string) (store.Message, bool, error) {
	var m store.Message
	row := s.DB.QueryRow(ctx, `
		SELECT id, shop_id, COALESCE(contact_id,''), COALESCE(campaign_id,''), COALESCE(automation_id,''),
		       body, provider, status, COALESCE(provider_msg_id,''),
		       COALESCE(error_code,''), COALESCE(error_message,''),
		       sent_at, delivered_at, failed_at, created_at, updated_at
		FROM messages WHERE id=$1
	`, msgID)
	err := row.Scan(&m.ID, &m.ShopID, &m.ContactID, &m.CampaignID, &m.AutomationID,
		&m.Body, &m.Provider, &m.Status, &m.ProviderMsgID,
		&m.ErrorCode, &m.ErrorMessage,
		&m.SentAt, &m.DeliveredAt, &m.FailedAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Message{}, false, nil
		}
		return store.Message{}, false, err
	}
	return m, true, nil
}

// ApplyReceipt updates a message from a delivery receipt. Terminal statuses
// are never overwritten; a stale or duplicate receipt leaves the row as-is.
func (s *Store) ApplyReceipt(ctx context.Context, in store.ReceiptUpdate) (store.ReceiptOutcome, error) {
	var set string
	switch in.Status {
	case "delivered":
		set = `status='delivered', delivered_at=$2, updated_at=$2`
	case "failed":
		set = `status='failed', error_code=$3, error_message=$4, failed_at=$2, updated_at=$2`
	case "sent":
		set = `status='sent', sent_at=COALESCE(sent_at,$2), updated_at=$2`
	default:
		return store.ReceiptApplied, fmt.Errorf("unmapped receipt status %q", in.Status)
	}

	q := `UPDATE messages SET ` + set + `
		WHERE provider_msg_id=$1 AND status NOT IN ('delivered','failed')`

	var (
		ct  pgconn.CommandTag
		err error
	)
	if in.Status == "failed" {
		ct, err = s.DB.Exec(ctx, q, in.ProviderMsgID, in.Now, nullIfEmpty(in.ErrorCode), nullIfEmpty(in.ErrorMessage))
	} else {
		ct, err = s.DB.Exec(ctx, q, in.ProviderMsgID, in.Now)
	}
	if err != nil {
		return store.ReceiptApplied, err
	}
	if ct.RowsAffected() > 0 {
		return store.ReceiptApplied, nil
	}

	// 0 rows: either no such message, or the message is already terminal.
	row := s.DB.QueryRow(ctx, `SELECT 1 FROM messages WHERE provider_msg_id=$1`, in.ProviderMsgID)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ReceiptNotFound, nil
		}
		return store.ReceiptApplied, err
	}
	return store.ReceiptStale, nil
}

func (s *Store) GetContact(ctx context.Context, contactID string) (store.Contact, bool, error) {
	var c store.Contact
	row := s.DB.QueryRow(ctx, `
		SELECT id, shop_id, phone, consent, opted_out FROM contacts WHERE id=$1
	`, contactID)
	if err := row.Scan(&c.ID, &c.ShopID, &c.Phone, &c.Consent, &c.OptedOut); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Contact{}, false, nil
		}
		return store.Contact{}, false, err
	}
	return c, true, nil
}

// OptOutContactsByPhone flips every contact sharing the phone to opted-out,
// across shops: a STOP applies to the number, not to one shop's list.
func (s *Store) OptOutContactsByPhone(ctx context.Context, phone, source string, now time.Time) (int, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE contacts SET consent='opted_out', opted_out=true, consent_source=$2, updated_at=$3
		WHERE phone=$1
	`, phone, source, now)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

func (s *Store) InsertInboundMessage(ctx context.Context, in store.InboundInsert) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO inbound_messages (from_phone, body, kind, received_at)
		VALUES ($1,$2,$3,$4)
	`, in.FromPhone, in.Body, in.Kind, in.ReceivedAt)
	return err
}

func (s *Store) GetCampaign(ctx context.Context, campaignID string) (store.Campaign, bool, error) {
	var (
		c   store.Campaign
		utm []byte
	)
	row := s.DB.QueryRow(ctx, `
		SELECT c.id, c.shop_id, c.name, c.template,
		       COALESCE(c.discount_id,''), COALESCE(d.apply_url,''), COALESCE(d.pool_id,''),
		       COALESCE(c.reservation_id,''), COALESCE(c.utm, '{}')
		FROM campaigns c
		LEFT JOIN discounts d ON d.id = c.discount_id
		WHERE c.id=$1
	`, campaignID)
	err := row.Scan(&c.ID, &c.ShopID, &c.Name, &c.Template,
		&c.DiscountID, &c.DiscountURL, &c.PoolID, &c.ReservationID, &utm)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Campaign{}, false, nil
		}
		return store.Campaign{}, false, err
	}
	_ = json.Unmarshal(utm, &c.UTM)
	return c, true, nil
}

func (s *Store) SetCampaignReservation(ctx context.Context, campaignID, reservationID string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET reservation_id=$2, updated_at=$3 WHERE id=$1
	`, campaignID, nullIfEmpty(reservationID), now)
	return err
}

// ListPendingRecipients pages the audience snapshot oldest-first so batch
// retries walk it in a stable order.
func (s *Store) ListPendingRecipients(ctx context.Context, campaignID string, limit int) ([]store.Recipient, error) {
	q, args, err := s.sb.
		Select("id", "campaign_id", "contact_id", "status", "COALESCE(reason,'')", "COALESCE(message_id,'')").
		From("campaign_recipients").
		Where(sq.Eq{"campaign_id": campaignID, "status": "pending"}).
		OrderBy("created_at ASC", "id ASC").
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

	var out []store.Recipient
	for rows.Next() {
		var r store.Recipient
		if err := rows.Scan(&r.ID, &r.CampaignID, &r.ContactID, &r.Status, &r.Reason, &r.MessageID); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) CountPendingRecipients(ctx context.Context, campaignID string) (int, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT count(*) FROM campaign_recipients WHERE campaign_id=$1 AND status='pending'
	`, campaignID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) MarkRecipient(ctx context.Context, in store.RecipientMark) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE campaign_recipients SET status=$2, reason=$3, message_id=$4, updated_at=$5
		WHERE id=$1
	`, in.ID, in.Status, nullIfEmpty(in.Reason), nullIfEmpty(in.MessageID), in.Now)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
