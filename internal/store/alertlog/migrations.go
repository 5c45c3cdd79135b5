package alertlog

import (
	"database/sql"
	"fmt"
	"strings"
)

func ensureAlertLogSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS catastrophe_alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			level INTEGER NOT NULL,
			level_name TEXT NOT NULL,
			trigger_name TEXT NOT NULL,
			current_value REAL NOT NULL DEFAULT 0,
			threshold_value REAL NOT NULL DEFAULT 0,
			action TEXT,
			message TEXT,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_catastrophe_alerts_ts ON catastrophe_alerts(ts DESC, id DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_catastrophe_alerts_level_ts ON catastrophe_alerts(level, ts);`,
		`CREATE TABLE IF NOT EXISTS monitor_resets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			reason TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return ensureAlertLogColumns(db)
}

// ensureAlertLogColumns 为旧库补齐后加的列（幂等）。
func ensureAlertLogColumns(db *sql.DB) error {
	cols := []struct {
		table  string
		column string
		typ    string
	}{
		{"monitor_resets", "actor", "TEXT"},
	}
	for _, col := range cols {
		if err := addColumnIfMissing(db, col.table, col.column, col.typ); err != nil {
			return err
		}
	}
	return nil
}

func addColumnIfMissing(db *sql.DB, table, column, typ string) error {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	exists := false
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			rows.Close()
			return err
		}
		if strings.EqualFold(name, column) {
			exists = true
		}
	}
	rows.Close()
	if exists {
		return nil
	}
	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, typ))
	return err
}
