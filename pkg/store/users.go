package store

import (
	"database/sql"

	"github.com/ebbtide-im/ebbtide/pkg/models"
	"github.com/jmoiron/sqlx"
)

var selectUsers = `SELECT u.* FROM users u`

// UserStore provides read access to local accounts. Account management is
// owned elsewhere; federation only resolves and serves profiles.
type UserStore interface {
	// GetByID retrieves a local user by id.
	GetByID(id string) (*models.User, error)
	// GetByHandle retrieves a local user by handle.
	GetByHandle(handle string) (*models.User, error)
}

type postgresUserStore struct {
	db *sqlx.DB
}

func NewUsers(dbconn *sqlx.DB) UserStore {
	return &postgresUserStore{db: dbconn}
}

func (s *postgresUserStore) GetByID(id string) (*models.User, error) {
	var user models.User
	err := s.db.Get(&user, selectUsers+" WHERE u.id = $1;", id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &user, err
}

func (s *postgresUserStore) GetByHandle(handle string) (*models.User, error) {
	var user models.User
	err := s.db.Get(&user, selectUsers+" WHERE u.handle = $1;", handle)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &user, err
}
