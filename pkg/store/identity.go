package store

import (
	"database/sql"

	"github.com/ebbtide-im/ebbtide/pkg/models"
	"github.com/jmoiron/sqlx"
)

// IdentityStore persists the singleton node identity.
type IdentityStore interface {
	// Get returns the stored identity, or nil if none has been created yet.
	Get() (*models.NodeIdentity, error)
	// Save inserts or replaces the identity. Used at first boot and on rotation.
	Save(ident *models.NodeIdentity) error
}

type postgresIdentityStore struct {
	db *sqlx.DB
}

func NewIdentity(dbconn *sqlx.DB) IdentityStore {
	return &postgresIdentityStore{db: dbconn}
}

func (s *postgresIdentityStore) Get() (*models.NodeIdentity, error) {
	var ident models.NodeIdentity
	err := s.db.Get(&ident, `SELECT * FROM node_identity LIMIT 1;`)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ident, nil
}

func (s *postgresIdentityStore) Save(ident *models.NodeIdentity) error {
	stmt := `
	INSERT INTO node_identity (singleton, node_name, public_key, private_key, created, updated)
	VALUES (TRUE, :node_name, :public_key, :private_key, :created, :updated)
	ON CONFLICT (singleton)
	DO UPDATE SET
		node_name = :node_name,
		public_key = :public_key,
		private_key = :private_key,
		updated = :updated
	;`
	_, err := s.db.NamedExec(stmt, ident)
	return err
}
