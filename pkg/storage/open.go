package storage

import (
	"database/sql"
	"fmt"

	"github.com/keywarden/keywarden/pkg/apikey"
)

// Store couples a Repository with the handles main and the health checker
// need. DB is nil for the memory backend.
type Store struct {
	Repository apikey.Repository
	DB         *sql.DB
	close      func() error
}

// Close releases the backend's resources
func (s *Store) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// Open creates the Repository selected by cfg.Type
func Open(cfg Config) (*Store, error) {
	switch cfg.Type {
	case TypePostgres:
		pg, err := NewPostgresStore(cfg)
		if err != nil {
			return nil, err
		}
		return &Store{Repository: pg, DB: pg.DB(), close: pg.Close}, nil
	case TypeSQLite:
		sq, err := NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &Store{Repository: sq, DB: sq.DB(), close: sq.Close}, nil
	case TypeMemory:
		return &Store{Repository: NewMemoryStore()}, nil
	default:
		return nil, fmt.Errorf("invalid storage type: %s (must be postgres, sqlite, or memory)", cfg.Type)
	}
}
