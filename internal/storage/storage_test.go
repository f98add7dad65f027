package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"filevault/internal/models"
)

// setupPostgres starts PostgreSQL in a container. Set TEST_INTEGRATION to run.
func setupPostgres(t *testing.T) *Storage {
	return setupPostgresPools(t, 0, 0)
}

// setupPostgresPools is setupPostgres with explicit pool sizes; zero keeps
// the pgxpool default.
func setupPostgresPools(t *testing.T, maxConns, lockConns int32) *Storage {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION is not set")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("filevault_test"),
		postgres.WithUsername("filevault"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	s, err := NewStorage(ctx, models.DatabaseConfig{URL: dsn, MaxConns: maxConns, LockConns: lockConns}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestPostgresStorage(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()

	runRepositoryTests(t, func(t *testing.T) repoHarness {
		if _, err := s.pool.Exec(ctx,
			`TRUNCATE files, variants, version_snapshots, processing_jobs, sweep_state`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return repoHarness{
			repo: s,
			removeFile: func(t *testing.T, id string) {
				if _, err := s.pool.Exec(ctx, `DELETE FROM files WHERE id = $1`, id); err != nil {
					t.Fatalf("delete file row: %v", err)
				}
			},
		}
	})
}

func TestPostgresMigrationsAreIdempotent(t *testing.T) {
	s := setupPostgres(t)
	dsn := s.pool.Config().ConnString()
	if err := runMigrations(dsn, zap.NewNop()); err != nil {
		t.Fatalf("second migration run: %v", err)
	}
}

func TestPostgresLockHoldersDoNotStarveQueries(t *testing.T) {
	s := setupPostgresPools(t, 2, 2)
	ctx := context.Background()

	const holders = 8
	for i := 0; i < holders; i++ {
		if err := s.CreateFile(ctx, newFile(fmt.Sprintf("lock-%d", i), "u", "")); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	errs := make(chan error, holders)
	for i := 0; i < holders; i++ {
		// Half the holders contend for one file, the rest take their own.
		id := "lock-0"
		if i%2 == 1 {
			id = fmt.Sprintf("lock-%d", i)
		}
		go func(id string) {
			unlock, err := s.LockFile(ctx, id)
			if err != nil {
				errs <- err
				return
			}
			defer unlock()
			f, err := s.GetFile(ctx, id)
			if err != nil {
				errs <- err
				return
			}
			f.Checksum = "locked"
			errs <- s.UpdateFile(ctx, f)
		}(id)
	}
	for i := 0; i < holders; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("holder %d: %v", i, err)
		}
	}
}
