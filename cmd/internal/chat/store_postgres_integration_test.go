package chat

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when MARKETCHAT_TEST_DATABASE_URL is set.
// Each subtest gets its own schema so runs never share state.

func TestPostgresStore(t *testing.T) {
	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	runStoreSuite(t, func(t *testing.T) Store {
		schema := "marketchat_it_" + randomHex(t, 6)
		t.Cleanup(func() { mustDropSchema(t, pool, schema) })

		st, err := NewPostgresStore(pool, WithSchema(schema))
		if err != nil {
			t.Fatalf("new store: %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := st.Migrate(ctx); err != nil {
			t.Fatalf("migrate: %v", err)
		}
		return st
	})
}

func TestWithSchema_RejectsBadIdentifiers(t *testing.T) {
	for _, schema := range []string{"", "  ", "1abc", "drop table;", `a"b`} {
		if _, err := NewPostgresStore(&pgxpool.Pool{}, WithSchema(schema)); err == nil {
			t.Fatalf("schema %q: expected error", schema)
		}
	}
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("MARKETCHAT_TEST_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: MARKETCHAT_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("ping postgres: %v", err)
	}
	return pool
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func randomHex(t *testing.T, n int) string {
	t.Helper()

	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return hex.EncodeToString(b)
}
