package relaykit

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gobuffalo/envy"
	"github.com/markbates/grift/grift"

	"github.com/gamebridge/relaykit/auth"
	"github.com/gamebridge/relaykit/jobs"
	"github.com/gamebridge/relaykit/migrations"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	registerMigrationTasks()
	registerKeyTasks()
	registerWorldTasks()
	registerJobTasks()
}

func registerMigrationTasks() {
	_ = grift.Namespace("relay", func() {
		_ = grift.Desc("migrate", "Apply all pending database migrations")
		_ = grift.Add("migrate", func(c *grift.Context) error {
			db, dialect, err := openDatabase()
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			runner := migrations.NewRunner(db, dialect)
			if err := runner.Migrate(context.Background()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Println("Migrations applied")
			return nil
		})

		_ = grift.Desc("migrate:status", "Show applied and pending migrations")
		_ = grift.Add("migrate:status", func(c *grift.Context) error {
			db, dialect, err := openDatabase()
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			applied, pending, err := migrations.NewRunner(db, dialect).Status(context.Background())
			if err != nil {
				return err
			}
			fmt.Println("Applied:")
			for _, name := range applied {
				fmt.Printf("  %s\n", name)
			}
			fmt.Println("Pending:")
			for _, name := range pending {
				fmt.Printf("  %s\n", name)
			}
			return nil
		})

		_ = grift.Desc("migrate:down", "Rollback the last N migrations (default 1)")
		_ = grift.Add("migrate:down", func(c *grift.Context) error {
			n := 1
			if len(c.Args) > 0 {
				parsed, err := strconv.Atoi(c.Args[0])
				if err != nil || parsed <= 0 {
					return fmt.Errorf("invalid rollback count %q", c.Args[0])
				}
				n = parsed
			}

			db, dialect, err := openDatabase()
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			return migrations.NewRunner(db, dialect).Down(context.Background(), n)
		})
	})
}

func registerKeyTasks() {
	_ = grift.Namespace("relay", func() {
		_ = grift.Desc("keys:create", "Issue a new API key: relay keys:create <userId> [dailyQuota]")
		_ = grift.Add("keys:create", func(c *grift.Context) error {
			if len(c.Args) < 1 {
				return fmt.Errorf("usage: relay keys:create <userId> [dailyQuota]")
			}
			quota := 0
			if len(c.Args) > 1 {
				parsed, err := strconv.Atoi(c.Args[1])
				if err != nil {
					return fmt.Errorf("invalid quota %q", c.Args[1])
				}
				quota = parsed
			}

			store, closer, err := openStore()
			if err != nil {
				return err
			}
			defer closer()

			key, err := auth.GenerateKey()
			if err != nil {
				return err
			}
			err = store.CreateKey(context.Background(), &auth.Credential{
				APIKey:     key,
				UserID:     c.Args[0],
				DailyQuota: quota,
				CreatedAt:  time.Now(),
			})
			if err != nil {
				return err
			}
			fmt.Printf("API key for %s: %s\n", c.Args[0], key)
			return nil
		})

		_ = grift.Desc("keys:revoke", "Revoke an API key: relay keys:revoke <apiKey>")
		_ = grift.Add("keys:revoke", func(c *grift.Context) error {
			if len(c.Args) < 1 {
				return fmt.Errorf("usage: relay keys:revoke <apiKey>")
			}

			store, closer, err := openStore()
			if err != nil {
				return err
			}
			defer closer()

			if err := store.RevokeKey(context.Background(), c.Args[0]); err != nil {
				return err
			}
			fmt.Println("Key revoked")
			return nil
		})
	})
}

func registerWorldTasks() {
	_ = grift.Namespace("relay", func() {
		_ = grift.Desc("worlds:register", "Register a world: relay worlds:register <clientId> <token>")
		_ = grift.Add("worlds:register", func(c *grift.Context) error {
			if len(c.Args) < 2 {
				return fmt.Errorf("usage: relay worlds:register <clientId> <token>")
			}

			store, closer, err := openStore()
			if err != nil {
				return err
			}
			defer closer()

			digest, err := auth.HashToken(c.Args[1])
			if err != nil {
				return err
			}
			if err := store.RegisterWorld(context.Background(), c.Args[0], digest); err != nil {
				return err
			}
			fmt.Printf("World %s registered\n", c.Args[0])
			return nil
		})
	})
}

func registerJobTasks() {
	_ = grift.Namespace("relay", func() {
		_ = grift.Desc("usage:reset", "Enqueue an immediate daily usage reset")
		_ = grift.Add("usage:reset", func(c *grift.Context) error {
			redisURL := envy.Get("REDIS_URL", "")
			if redisURL == "" {
				return fmt.Errorf("REDIS_URL is required for job tasks")
			}

			runtime, err := jobs.NewRuntime(redisURL, nil)
			if err != nil {
				return err
			}
			defer func() { _ = runtime.Stop() }()

			return runtime.Enqueue(jobs.TaskUsageReset, nil)
		})
	})
}

// openDatabase connects using DATABASE_URL. The URL scheme picks the driver:
// postgres://, mysql://, or a bare path for sqlite.
func openDatabase() (*sql.DB, string, error) {
	url := envy.Get("DATABASE_URL", "")
	if url == "" {
		return nil, "", fmt.Errorf("DATABASE_URL is required")
	}

	dialect, dsn := dialectFromURL(url)
	db, err := sql.Open(driverName(dialect), dsn)
	if err != nil {
		return nil, "", fmt.Errorf("opening database: %w", err)
	}
	return db, dialect, nil
}

func openStore() (auth.KeyStore, func(), error) {
	db, dialect, err := openDatabase()
	if err != nil {
		return nil, nil, err
	}
	return auth.NewSQLStore(db, dialect), func() { _ = db.Close() }, nil
}

func dialectFromURL(url string) (dialect, dsn string) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return "postgres", url
	case strings.HasPrefix(url, "mysql://"):
		return "mysql", strings.TrimPrefix(url, "mysql://")
	case strings.HasPrefix(url, "sqlite://"):
		return "sqlite", strings.TrimPrefix(url, "sqlite://")
	default:
		return "sqlite", url
	}
}

func driverName(dialect string) string {
	switch dialect {
	case "postgres":
		return "postgres"
	case "mysql":
		return "mysql"
	default:
		return "sqlite3"
	}
}
