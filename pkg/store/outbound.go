package store

import (
	"time"

	"github.com/ebbtide-im/ebbtide/pkg/models"
	"github.com/jmoiron/sqlx"
)

// OutboundMessageStore provides database operations for the durable retry queue.
type OutboundMessageStore interface {
	// Enqueue persists a message that could not be delivered immediately.
	Enqueue(msg *models.OutboundMessage) error
	// GetDue returns up to limit pending messages whose next_retry has
	// elapsed, oldest first.
	GetDue(now time.Time, limit int) ([]*models.OutboundMessage, error)
	// MarkDelivered transitions a message to its delivered terminal state.
	MarkDelivered(id string, at time.Time) error
	// MarkFailed transitions a message to its failed terminal state.
	MarkFailed(id string, lastError string) error
	// RecordAttempt increments the attempt counter and schedules the next retry.
	RecordAttempt(id string, nextRetry time.Time, lastError string) error
	// PurgeTerminal deletes delivered/failed messages created before the cutoff,
	// returning the number removed.
	PurgeTerminal(before time.Time) (int64, error)
	// GetRecent returns the newest messages regardless of status, for the
	// administrator observability surface.
	GetRecent(limit int) ([]*models.OutboundMessage, error)
}

type postgresOutboundMessageStore struct {
	db *sqlx.DB
}

func NewOutboundMessages(dbconn *sqlx.DB) OutboundMessageStore {
	return &postgresOutboundMessageStore{db: dbconn}
}

func (s *postgresOutboundMessageStore) Enqueue(msg *models.OutboundMessage) error {
	stmt := `
	INSERT INTO outbound_messages (id, target_node, message_type, payload, status, attempts, max_attempts, next_retry, last_error, created)
	VALUES (:id, :target_node, :message_type, :payload, :status, :attempts, :max_attempts, :next_retry, :last_error, :created);
	`
	_, err := s.db.NamedExec(stmt, msg)
	return err
}

func (s *postgresOutboundMessageStore) GetDue(now time.Time, limit int) ([]*models.OutboundMessage, error) {
	query := `
	SELECT m.* FROM outbound_messages m
	WHERE m.status = $1 AND m.next_retry <= $2
	ORDER BY m.created ASC
	LIMIT $3;
	`
	msgs := []*models.OutboundMessage{}
	err := s.db.Select(&msgs, query, models.OutboundStatusPending, now, limit)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *postgresOutboundMessageStore) MarkDelivered(id string, at time.Time) error {
	stmt := `
	UPDATE outbound_messages
	SET status = $1, attempts = attempts + 1, delivered = $2
	WHERE id = $3 AND status = $4;
	`
	_, err := s.db.Exec(stmt, models.OutboundStatusDelivered, at, id, models.OutboundStatusPending)
	return err
}

func (s *postgresOutboundMessageStore) MarkFailed(id string, lastError string) error {
	stmt := `
	UPDATE outbound_messages
	SET status = $1, attempts = attempts + 1, last_error = $2
	WHERE id = $3 AND status = $4;
	`
	_, err := s.db.Exec(stmt, models.OutboundStatusFailed, lastError, id, models.OutboundStatusPending)
	return err
}

func (s *postgresOutboundMessageStore) RecordAttempt(id string, nextRetry time.Time, lastError string) error {
	stmt := `
	UPDATE outbound_messages
	SET attempts = attempts + 1, next_retry = $1, last_error = $2
	WHERE id = $3 AND status = $4;
	`
	_, err := s.db.Exec(stmt, nextRetry, lastError, id, models.OutboundStatusPending)
	return err
}

func (s *postgresOutboundMessageStore) GetRecent(limit int) ([]*models.OutboundMessage, error) {
	msgs := []*models.OutboundMessage{}
	err := s.db.Select(&msgs, `SELECT m.* FROM outbound_messages m ORDER BY m.created DESC LIMIT $1;`, limit)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *postgresOutboundMessageStore) PurgeTerminal(before time.Time) (int64, error) {
	stmt := `DELETE FROM outbound_messages WHERE status IN ($1, $2) AND created < $3;`
	res, err := s.db.Exec(stmt, models.OutboundStatusDelivered, models.OutboundStatusFailed, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
