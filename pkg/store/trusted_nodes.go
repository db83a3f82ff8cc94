package store

import (
	"database/sql"
	"time"

	"github.com/ebbtide-im/ebbtide/pkg/models"
	"github.com/jmoiron/sqlx"
)

var selectNodes = `SELECT n.* FROM trusted_nodes n`

// TrustedNodeStore provides database operations for the trust registry.
type TrustedNodeStore interface {
	// GetByID retrieves a node by its row id.
	GetByID(id int) (*models.TrustedNode, error)
	// GetByName retrieves a node by its unique node name.
	GetByName(nodeName string) (*models.TrustedNode, error)
	// GetAll retrieves every registered node.
	GetAll() ([]*models.TrustedNode, error)
	// Add inserts a new pending node with no key.
	Add(node *models.TrustedNode) error
	// SetKey stores the public key learned during a handshake and activates the node.
	SetKey(nodeName, publicKeyPEM string) error
	// SetStatus transitions a node's status.
	SetStatus(nodeName, status string) error
	// RecordContact resets the failure counter and stamps last_contact on
	// success, or increments the counter on failure, returning the new count.
	RecordContact(nodeName string, success bool) (int, error)
	// Delete removes a node from the registry.
	Delete(nodeName string) error
}

type postgresTrustedNodeStore struct {
	db *sqlx.DB
}

func NewTrustedNodes(dbconn *sqlx.DB) TrustedNodeStore {
	return &postgresTrustedNodeStore{db: dbconn}
}

func (s *postgresTrustedNodeStore) GetByID(id int) (*models.TrustedNode, error) {
	var node models.TrustedNode
	err := s.db.Get(&node, selectNodes+" WHERE n.id = $1;", id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *postgresTrustedNodeStore) GetByName(nodeName string) (*models.TrustedNode, error) {
	var node models.TrustedNode
	err := s.db.Get(&node, selectNodes+" WHERE n.node_name = $1;", nodeName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *postgresTrustedNodeStore) GetAll() ([]*models.TrustedNode, error) {
	nodes := []*models.TrustedNode{}
	err := s.db.Select(&nodes, selectNodes+" ORDER BY n.node_name;")
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

func (s *postgresTrustedNodeStore) Add(node *models.TrustedNode) error {
	stmt := `
	INSERT INTO trusted_nodes (node_name, base_url, public_key, status, failure_count, added_by, created, updated)
	VALUES (:node_name, :base_url, :public_key, :status, :failure_count, :added_by, :created, :updated);
	`
	_, err := s.db.NamedExec(stmt, node)
	return err
}

func (s *postgresTrustedNodeStore) SetKey(nodeName, publicKeyPEM string) error {
	stmt := `
	UPDATE trusted_nodes
	SET public_key = $1, status = $2, failure_count = 0, last_contact = $3, updated = $3
	WHERE node_name = $4;
	`
	_, err := s.db.Exec(stmt, publicKeyPEM, models.NodeStatusActive, time.Now(), nodeName)
	return err
}

func (s *postgresTrustedNodeStore) SetStatus(nodeName, status string) error {
	stmt := `UPDATE trusted_nodes SET status = $1, updated = $2 WHERE node_name = $3;`
	_, err := s.db.Exec(stmt, status, time.Now(), nodeName)
	return err
}

func (s *postgresTrustedNodeStore) RecordContact(nodeName string, success bool) (int, error) {
	var stmt string
	if success {
		stmt = `
		UPDATE trusted_nodes
		SET failure_count = 0, last_contact = $1, updated = $1
		WHERE node_name = $2
		RETURNING failure_count;
		`
	} else {
		stmt = `
		UPDATE trusted_nodes
		SET failure_count = failure_count + 1, updated = $1
		WHERE node_name = $2
		RETURNING failure_count;
		`
	}
	var count int
	err := s.db.Get(&count, stmt, time.Now(), nodeName)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return count, err
}

func (s *postgresTrustedNodeStore) Delete(nodeName string) error {
	_, err := s.db.Exec(`DELETE FROM trusted_nodes WHERE node_name = $1;`, nodeName)
	return err
}
