package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open connects to the SQLite database and runs schema migrations.
func Open(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_foreign_keys=1", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)

	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return conn, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS decks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			topic TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS documents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			deck_id INTEGER NOT NULL,
			original_name TEXT NOT NULL,
			stored_path TEXT NOT NULL UNIQUE,
			content_sha256 TEXT NOT NULL,
			size_bytes INTEGER NOT NULL,
			page_count INTEGER NOT NULL DEFAULT 0,
			uploaded_at DATETIME NOT NULL,
			FOREIGN KEY(deck_id) REFERENCES decks(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS generations (
			id TEXT PRIMARY KEY,
			deck_id INTEGER NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('succeeded','failed','cancelled')),
			requested INTEGER NOT NULL,
			produced INTEGER NOT NULL DEFAULT 0,
			warnings TEXT NOT NULL DEFAULT '[]',
			error_kind TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			started_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL,
			FOREIGN KEY(deck_id) REFERENCES decks(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS cards (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			deck_id INTEGER NOT NULL,
			generation_id TEXT,
			question TEXT NOT NULL,
			answer TEXT NOT NULL,
			hint TEXT NOT NULL DEFAULT '',
			due DATETIME,
			stability REAL NOT NULL DEFAULT 0,
			difficulty REAL NOT NULL DEFAULT 0,
			elapsed_days INTEGER NOT NULL DEFAULT 0,
			scheduled_days INTEGER NOT NULL DEFAULT 0,
			reps INTEGER NOT NULL DEFAULT 0,
			lapses INTEGER NOT NULL DEFAULT 0,
			state INTEGER NOT NULL DEFAULT 0,
			last_review DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			FOREIGN KEY(deck_id) REFERENCES decks(id) ON DELETE CASCADE,
			FOREIGN KEY(generation_id) REFERENCES generations(id) ON DELETE SET NULL
		);`,
		`CREATE TABLE IF NOT EXISTS review_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			card_id INTEGER NOT NULL,
			rating INTEGER NOT NULL,
			scheduled_days INTEGER NOT NULL,
			elapsed_days INTEGER NOT NULL,
			state INTEGER NOT NULL,
			reviewed_at DATETIME NOT NULL,
			FOREIGN KEY(card_id) REFERENCES cards(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS page_cache (
			content_key TEXT NOT NULL,
			page INTEGER NOT NULL,
			text TEXT NOT NULL,
			quality REAL NOT NULL,
			used_vision INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			PRIMARY KEY(content_key, page)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_cards_deck ON cards(deck_id);`,
		`CREATE INDEX IF NOT EXISTS idx_cards_due ON cards(due);`,
		`CREATE INDEX IF NOT EXISTS idx_documents_deck ON documents(deck_id);`,
		`CREATE INDEX IF NOT EXISTS idx_generations_deck ON generations(deck_id, started_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("execute %q: %w", stmt, err)
		}
	}
	return nil
}
