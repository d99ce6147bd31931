package storage

import "github.com/pkg/errors"

func InitStore(dbConnStr string) (*PostgresStore, error) {
	if dbConnStr == "" {
		return nil, errors.New("database connection string is empty; set --db, DATABASE_URL or DB_*")
	}
	store, err := NewPostgresStore(dbConnStr)
	if err != nil {
		return nil, errors.Wrap(err, "connect to history database")
	}
	return store, nil
}
