package store

import (
	"database/sql"

	"github.com/ebbtide-im/ebbtide/pkg/models"
	"github.com/jmoiron/sqlx"
)

var selectWaves = `SELECT w.* FROM waves w`

// WaveStore provides database operations for waves, their members, and the
// fan-out node set of origin waves.
type WaveStore interface {
	// GetByID retrieves a wave by its local id.
	GetByID(id string) (*models.Wave, error)
	// GetByOrigin retrieves the local participant wave mirroring
	// (originNode, originWaveID), if one exists.
	GetByOrigin(originNode, originWaveID string) (*models.Wave, error)
	// Create inserts a new wave. The (origin_node, origin_wave_id) unique
	// index makes concurrent participant creation collapse to one row.
	Create(wave *models.Wave) error
	// AddMember links a local user into a wave, idempotently.
	AddMember(waveID, userID string) error
	// AddNode registers a fan-out target for an origin wave, idempotently.
	AddNode(node *models.WaveNode) error
	// GetNodes returns the fan-out targets of a wave.
	GetNodes(waveID string) ([]*models.WaveNode, error)
}

type postgresWaveStore struct {
	db *sqlx.DB
}

func NewWaves(dbconn *sqlx.DB) WaveStore {
	return &postgresWaveStore{db: dbconn}
}

func (s *postgresWaveStore) GetByID(id string) (*models.Wave, error) {
	var wave models.Wave
	err := s.db.Get(&wave, selectWaves+" WHERE w.id = $1;", id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &wave, nil
}

func (s *postgresWaveStore) GetByOrigin(originNode, originWaveID string) (*models.Wave, error) {
	var wave models.Wave
	err := s.db.Get(&wave, selectWaves+" WHERE w.origin_node = $1 AND w.origin_wave_id = $2;", originNode, originWaveID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &wave, nil
}

func (s *postgresWaveStore) Create(wave *models.Wave) error {
	stmt := `
	INSERT INTO waves (id, title, federation_state, origin_node, origin_wave_id, created_by, created, updated)
	VALUES (:id, :title, :federation_state, :origin_node, :origin_wave_id, :created_by, :created, :updated);
	`
	_, err := s.db.NamedExec(stmt, wave)
	return err
}

func (s *postgresWaveStore) AddMember(waveID, userID string) error {
	stmt := `
	INSERT INTO wave_members (wave_id, user_id, added)
	VALUES ($1, $2, NOW())
	ON CONFLICT (wave_id, user_id) DO NOTHING;
	`
	_, err := s.db.Exec(stmt, waveID, userID)
	return err
}

func (s *postgresWaveStore) AddNode(node *models.WaveNode) error {
	stmt := `
	INSERT INTO wave_nodes (wave_id, node_name, status, added)
	VALUES (:wave_id, :node_name, :status, :added)
	ON CONFLICT (wave_id, node_name) DO NOTHING;
	`
	_, err := s.db.NamedExec(stmt, node)
	return err
}

func (s *postgresWaveStore) GetNodes(waveID string) ([]*models.WaveNode, error) {
	nodes := []*models.WaveNode{}
	err := s.db.Select(&nodes, `SELECT * FROM wave_nodes WHERE wave_id = $1 ORDER BY added;`, waveID)
	if err != nil {
		return nil, err
	}
	return nodes, nil
}
