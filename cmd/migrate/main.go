// Command migrate применяет встроенные миграции схемы cart_documents.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/cartsync/internal/app"
	"github.com/vladislavdragonenkov/cartsync/internal/storage/postgres"
)

const defaultTimeout = 30 * time.Second

var errUsage = errors.New("usage")

type migrator interface {
	MigrateUp(ctx context.Context, steps int) error
	MigrateDown(ctx context.Context, steps int) error
	MigrationStatus(ctx context.Context) (postgres.MigrationStatus, error)
	Close() error
}

type openFunc func(ctx context.Context, dsn string) (migrator, error)

func openPostgres(ctx context.Context, dsn string) (migrator, error) {
	return postgres.Open(ctx, dsn)
}

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	err := run(ctx, os.Args[1:], os.Stdout, openPostgres)
	cancel()
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer, open openFunc) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	direction := fs.String("direction", "up", "migration direction: up|down|status")
	steps := fs.Int("steps", 0, "number of migrations to apply/rollback (0=all for up, 1 for down)")
	dsnFlag := fs.String("dsn", "", "PostgreSQL DSN (fallback: postgres.dsn from -config or CART_POSTGRES_DSN)")
	configFile := fs.String("config", "", "path to cart service config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	dsn, err := resolveDSN(*dsnFlag, *configFile)
	if err != nil {
		return err
	}

	mode := strings.ToLower(strings.TrimSpace(*direction))
	switch mode {
	case "up", "down", "status":
	default:
		return fmt.Errorf("%w: unsupported direction %q (use up|down|status)", errUsage, *direction)
	}

	store, err := open(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open postgres store: %w", err)
	}
	defer store.Close()

	prefix := "migration status"
	switch mode {
	case "up":
		if err := store.MigrateUp(ctx, *steps); err != nil {
			return fmt.Errorf("migrate up failed: %w", err)
		}
		prefix = "migrate up ok"
	case "down":
		n := *steps
		if n <= 0 {
			n = 1
		}
		if err := store.MigrateDown(ctx, n); err != nil {
			return fmt.Errorf("migrate down failed: %w", err)
		}
		prefix = "migrate down ok"
	}

	status, err := store.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("migration status failed: %w", err)
	}
	_, err = fmt.Fprintln(stdout, formatStatus(prefix, status))
	return err
}

// resolveDSN: явный флаг важнее конфигурации сервиса (файл и CART_* окружение).
func resolveDSN(flagValue, configFile string) (string, error) {
	if dsn := strings.TrimSpace(flagValue); dsn != "" {
		return dsn, nil
	}

	v := app.NewViper()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return "", fmt.Errorf("read config: %w", err)
		}
	}
	if dsn := strings.TrimSpace(v.GetString("postgres.dsn")); dsn != "" {
		return dsn, nil
	}
	return "", fmt.Errorf("%w: CART_POSTGRES_DSN (or -dsn) is required", errUsage)
}

// formatStatus печатает ожидающие версии, чтобы было видно, что ещё не применено.
func formatStatus(prefix string, status postgres.MigrationStatus) string {
	line := fmt.Sprintf("%s: version=%d applied=%d", prefix, status.Version, status.Applied)
	if len(status.Pending) > 0 {
		line += fmt.Sprintf(" pending=%v", status.Pending)
	}
	return line
}

var _ migrator = (*postgres.Store)(nil)
