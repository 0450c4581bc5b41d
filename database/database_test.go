package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestSplitStatements(t *testing.T) {
	script := `
-- users; with a semicolon in a comment
CREATE TABLE a (x TEXT DEFAULT 'a;b');
INSERT INTO a VALUES ('it''s');
SELECT 1`

	got := splitStatements(script)
	require.Len(t, got, 3)
	require.Contains(t, got[0], "'a;b'")
	require.Contains(t, got[1], "'it''s'")
	require.Equal(t, "SELECT 1", got[2])
}

func TestNewAppliesMigrationsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")
	migrations := fstest.MapFS{
		"001_a.sql": {Data: []byte("CREATE TABLE a (id TEXT);")},
		"002_b.sql": {Data: []byte("ALTER TABLE a ADD COLUMN name TEXT;")},
	}

	db, err := New(path, migrations, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// second open must not re-run the ALTER
	db, err = New(path, migrations, zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.Conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n))
	require.Equal(t, 2, n)
}

func TestEmbeddedSchema(t *testing.T) {
	db, err := New(filepath.Join(t.TempDir(), "chat.db"), Migrations(), zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"users", "channels", "channel_members", "messages", "message_reactions", "message_attachments"} {
		var name string
		err := db.Conn.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		require.NoError(t, err, table)
	}
}

func TestWithTxRollsBack(t *testing.T) {
	db, err := New(":memory:", fstest.MapFS{
		"001.sql": {Data: []byte("CREATE TABLE t (id TEXT PRIMARY KEY);")},
	}, zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	boom := errors.New("boom")
	err = WithTx(ctx, db.Conn, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO t (id) VALUES ('x')"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, db.Conn.QueryRow("SELECT COUNT(*) FROM t").Scan(&n))
	require.Zero(t, n)
}

func TestTimeLayoutSortsChronologically(t *testing.T) {
	a := time.Date(2024, 1, 1, 10, 0, 0, 5, time.UTC)
	b := a.Add(time.Nanosecond * 10)
	require.Less(t, FormatTime(a), FormatTime(b))

	back, err := ParseTime(FormatTime(a))
	require.NoError(t, err)
	require.True(t, back.Equal(a))
}
