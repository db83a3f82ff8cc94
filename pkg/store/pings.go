package store

import (
	"database/sql"
	"time"

	"github.com/ebbtide-im/ebbtide/pkg/models"
	"github.com/jmoiron/sqlx"
)

// PingStore provides database operations for locally-authored pings.
type PingStore interface {
	// GetByID retrieves a ping by id.
	GetByID(id string) (*models.Ping, error)
	// GetByWave retrieves a wave's pings in send order.
	GetByWave(waveID string) ([]*models.Ping, error)
	// Create inserts a new ping.
	Create(ping *models.Ping) error
	// UpdateBody replaces a ping's body and stamps the edit time.
	UpdateBody(id, body string, at time.Time) error
	// Delete removes a ping.
	Delete(id string) error
}

type postgresPingStore struct {
	db *sqlx.DB
}

func NewPings(dbconn *sqlx.DB) PingStore {
	return &postgresPingStore{db: dbconn}
}

func (s *postgresPingStore) GetByID(id string) (*models.Ping, error) {
	var ping models.Ping
	err := s.db.Get(&ping, `SELECT * FROM pings WHERE id = $1;`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &ping, err
}

func (s *postgresPingStore) GetByWave(waveID string) ([]*models.Ping, error) {
	pings := []*models.Ping{}
	err := s.db.Select(&pings, `SELECT * FROM pings WHERE wave_id = $1 ORDER BY created;`, waveID)
	if err != nil {
		return nil, err
	}
	return pings, nil
}

func (s *postgresPingStore) Create(ping *models.Ping) error {
	stmt := `
	INSERT INTO pings (id, wave_id, author_id, body, created, edited)
	VALUES (:id, :wave_id, :author_id, :body, :created, :edited);
	`
	_, err := s.db.NamedExec(stmt, ping)
	return err
}

func (s *postgresPingStore) UpdateBody(id, body string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE pings SET body = $1, edited = $2 WHERE id = $3;`, body, at, id)
	return err
}

func (s *postgresPingStore) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM pings WHERE id = $1;`, id)
	return err
}
