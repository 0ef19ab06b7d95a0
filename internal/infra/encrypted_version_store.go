package infra

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/eliteGoblin/luxkernel/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.ErrBusy

const versionsDBName = "versions.db"

// Columns of the module_versions table, one per VersionTable map.
const (
	slotActive     = "active"
	slotFallback   = "fallback"
	slotNextStable = "next_stable"
)

// EncryptedVersionStore implements domain.VersionStore using a SQLCipher
// encrypted SQLite database.
type EncryptedVersionStore struct {
	db     *sql.DB
	dbPath string
}

// NewEncryptedVersionStore opens (or creates) the encrypted version database.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewEncryptedVersionStore(dataDir string, key []byte) (*EncryptedVersionStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, versionsDBName)
	keyHex := hex.EncodeToString(key)

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}

	// A wrong key only shows up on first access
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	s := &EncryptedVersionStore{db: db, dbPath: dbPath}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *EncryptedVersionStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS module_versions (
		module TEXT NOT NULL,
		slot TEXT NOT NULL,
		version TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (module, slot)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Load reads every row back into a table.
func (s *EncryptedVersionStore) Load() (*domain.VersionTable, error) {
	rows, err := s.db.Query(`SELECT module, slot, version FROM module_versions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	table := domain.NewVersionTable()
	for rows.Next() {
		var module, slot, version string
		if err := rows.Scan(&module, &slot, &version); err != nil {
			return nil, err
		}
		switch slot {
		case slotActive:
			table.Active[module] = version
		case slotFallback:
			table.Fallback[module] = version
		case slotNextStable:
			table.NextStable[module] = version
		}
	}
	return table, rows.Err()
}

// Save replaces all rows in one transaction.
func (s *EncryptedVersionStore) Save(table *domain.VersionTable) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM module_versions`); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`INSERT INTO module_versions (module, slot, version, updated_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().Unix()
	slots := map[string]map[string]string{
		slotActive:     table.Active,
		slotFallback:   table.Fallback,
		slotNextStable: table.NextStable,
	}
	for slot, versions := range slots {
		for module, version := range versions {
			if _, err := stmt.Exec(module, slot, version, now); err != nil {
				return fmt.Errorf("failed to store %s/%s: %w", module, slot, err)
			}
		}
	}
	return tx.Commit()
}

// Location returns the database file path.
func (s *EncryptedVersionStore) Location() string {
	return s.dbPath
}

// Close releases the database connection.
func (s *EncryptedVersionStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

var _ domain.VersionStore = (*EncryptedVersionStore)(nil)
