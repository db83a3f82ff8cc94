package store

import (
	"database/sql"
	"time"

	"github.com/ebbtide-im/ebbtide/pkg/models"
	"github.com/jmoiron/sqlx"
)

// InboxLogStore provides database operations for the inbound idempotency log.
type InboxLogStore interface {
	// Get retrieves a log entry by message id.
	Get(id string) (*models.InboxLogEntry, error)
	// InsertIfAbsent records a first-seen message id and returns true, or
	// returns false without modification when the id is already logged.
	InsertIfAbsent(entry *models.InboxLogEntry) (bool, error)
	// MarkProcessed stamps an entry once its handler has completed.
	MarkProcessed(id string, at time.Time) error
	// Purge deletes entries received before the cutoff, returning the number removed.
	Purge(before time.Time) (int64, error)
}

type postgresInboxLogStore struct {
	db *sqlx.DB
}

func NewInboxLog(dbconn *sqlx.DB) InboxLogStore {
	return &postgresInboxLogStore{db: dbconn}
}

func (s *postgresInboxLogStore) Get(id string) (*models.InboxLogEntry, error) {
	var entry models.InboxLogEntry
	err := s.db.Get(&entry, `SELECT * FROM inbox_log WHERE id = $1;`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *postgresInboxLogStore) InsertIfAbsent(entry *models.InboxLogEntry) (bool, error) {
	stmt := `
	INSERT INTO inbox_log (id, source_node, message_type, received, status)
	VALUES (:id, :source_node, :message_type, :received, :status)
	ON CONFLICT (id) DO NOTHING;
	`
	res, err := s.db.NamedExec(stmt, entry)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *postgresInboxLogStore) MarkProcessed(id string, at time.Time) error {
	stmt := `UPDATE inbox_log SET status = $1, processed = $2 WHERE id = $3;`
	_, err := s.db.Exec(stmt, models.InboxStatusProcessed, at, id)
	return err
}

func (s *postgresInboxLogStore) Purge(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM inbox_log WHERE received < $1;`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
