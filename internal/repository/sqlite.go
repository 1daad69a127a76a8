package repository

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opensource-finance/kestrel/internal/domain"
	_ "modernc.org/sqlite"
)

const (
	memoryPath    = ":memory:"
	sqlitePragmas = "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
)

// sqliteDialect is the community tier store, backed by the pure-Go
// modernc.org/sqlite driver.
var sqliteDialect = dialect{
	driver: "sqlite",
	dsn: func(cfg domain.RepositoryConfig) (string, error) {
		path := cfg.SQLitePath
		if path == "" {
			path = "./kestrel.db"
		}
		if path != memoryPath {
			if err := ensureDir(path); err != nil {
				return "", err
			}
		}
		return sqliteDSN(path), nil
	},
	tune: func(db *sql.DB, cfg domain.RepositoryConfig) {
		// Every connection to :memory: would see its own empty database.
		if cfg.SQLitePath == memoryPath {
			db.SetMaxOpenConns(1)
		}
	},
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create database directory %s: %w", dir, err)
	}
	return nil
}

func sqliteDSN(path string) string {
	if path == memoryPath {
		return "file::memory:?" + sqlitePragmas
	}
	return "file:" + path + "?" + sqlitePragmas
}
