package storage

import (
	"fmt"
)

// DatabaseType names a SQL backend
type DatabaseType string

const (
	MySQL      DatabaseType = "mysql"
	PostgreSQL DatabaseType = "postgresql"
)

// DatabaseStorage is a SQL backend
type DatabaseStorage interface {
	Backend
	// InitDatabase creates the tables
	InitDatabase() error
}

// NewDatabaseStorage opens the SQL backend of dbType
func NewDatabaseStorage(dbType string, dsn string) (DatabaseStorage, error) {
	switch DatabaseType(dbType) {
	case MySQL:
		return NewMySQLStorage(dsn)
	case PostgreSQL:
		return NewPostgreSQLStorage(dsn)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}
