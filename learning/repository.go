package learning

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"icapfilter/filter"
	"icapfilter/internal/util"
	"icapfilter/logger"
)

// Record is the persisted form of one learned rule: a reference to a rule
// definition, resolved against the loaded filter lists at startup.
type Record struct {
	Hostname   string `json:"hostname"`
	Definition string `json:"definition"`
}

// Repository stores learned references. Implementations are called from the
// learner's background goroutine only.
type Repository interface {
	Load() ([]Record, error)
	Save(records []Record) error
}

// JSONRepository keeps the records in one JSON file, replaced atomically.
type JSONRepository struct {
	path string
}

func NewJSONRepository(path string) *JSONRepository {
	return &JSONRepository{path: path}
}

func (r *JSONRepository) Load() ([]Record, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode %s: %w", r.path, err)
	}
	return records, nil
}

func (r *JSONRepository) Save(records []Record) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}

const sqliteSchema = `CREATE TABLE IF NOT EXISTS learned_rules (
	hostname   TEXT NOT NULL,
	definition TEXT NOT NULL,
	PRIMARY KEY (hostname, definition)
)`

// SQLiteRepository keeps the records in a SQLite table.
type SQLiteRepository struct {
	db *sql.DB
}

// OpenSQLiteRepository opens (and creates if needed) the database at path.
func OpenSQLiteRepository(path string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open learned store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create learned store schema: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Load() ([]Record, error) {
	rows, err := r.db.Query(`SELECT hostname, definition FROM learned_rules ORDER BY hostname`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Hostname, &rec.Definition); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Save replaces the table content in one transaction.
func (r *SQLiteRepository) Save(records []Record) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM learned_rules`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO learned_rules (hostname, definition) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.Exec(rec.Hostname, rec.Definition); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// Records snapshots the learned store as references.
func (l *Learner) Records() []Record {
	var records []Record
	for _, e := range l.Entries() {
		for _, rule := range e.Rules {
			records = append(records, Record{Hostname: e.Hostname, Definition: rule.Definition()})
		}
	}
	return records
}

func (l *Learner) persist() {
	if l.cfg.Repository == nil {
		return
	}
	records := l.Records()
	if err := l.cfg.Repository.Save(records); err != nil {
		logger.Warnf("[Learning] Failed to persist %d learned rule(s): %v", len(records), err)
		return
	}
	logger.Debugf("[Learning] Persisted %d learned rule(s)", len(records))
}

// Restore loads persisted references and installs the ones the resolver
// still knows. Records that no longer resolve are dropped.
func (l *Learner) Restore(r filter.Resolver) error {
	if l.cfg.Repository == nil {
		return nil
	}
	records, err := l.cfg.Repository.Load()
	if err != nil {
		return fmt.Errorf("load learned rules: %w", err)
	}

	for {
		old := l.tree.Load()
		txn := old.Txn()
		restored := 0
		for _, rec := range records {
			rule, ok := r.Resolve(rec.Definition)
			if !ok {
				continue
			}
			key := []byte(util.ReverseDomain(rec.Hostname))
			if len(key) == 0 {
				continue
			}
			var current filter.RuleList
			if v, ok := txn.Get(key); ok {
				current = v.(filter.RuleList)
			}
			if merged, changed := merge(current, rule); changed {
				txn.Insert(key, merged)
				restored++
			}
		}
		if l.tree.CompareAndSwap(old, txn.Commit()) {
			logger.Infof("[Learning] Restored %d of %d learned rule(s)", restored, len(records))
			return nil
		}
	}
}
