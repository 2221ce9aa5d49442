package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMigratesIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cards.db")

	conn, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	conn, err = Open(path)
	require.NoError(t, err)
	defer conn.Close()

	var tables int
	require.NoError(t, conn.QueryRow(`
		SELECT COUNT(*) FROM sqlite_master
		WHERE type = 'table' AND name IN ('decks','documents','cards','generations','page_cache');
	`).Scan(&tables))
	assert.Equal(t, 5, tables)
}

func TestForeignKeysCascade(t *testing.T) {
	conn, err := Open(filepath.Join(t.TempDir(), "cards.db"))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Exec(`INSERT INTO decks (id, name, created_at, updated_at) VALUES (1, 'Bio', datetime('now'), datetime('now'))`)
	require.NoError(t, err)
	_, err = conn.Exec(`INSERT INTO cards (deck_id, question, answer, created_at, updated_at) VALUES (1, 'Q', 'A', datetime('now'), datetime('now'))`)
	require.NoError(t, err)

	_, err = conn.Exec(`INSERT INTO cards (deck_id, question, answer, created_at, updated_at) VALUES (99, 'Q', 'A', datetime('now'), datetime('now'))`)
	assert.Error(t, err)

	_, err = conn.Exec(`DELETE FROM decks WHERE id = 1`)
	require.NoError(t, err)
	var cards int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM cards`).Scan(&cards))
	assert.Zero(t, cards)
}
