// Package main is the entrypoint for the robot controller.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/senpai-robotics/controller/internal/config"
	"github.com/senpai-robotics/controller/internal/server"
	"github.com/senpai-robotics/controller/pkg/db"
	"github.com/senpai-robotics/controller/pkg/events"
)

const usage = `Usage: controller [command]
       controller serve              Start the controller (board link, COMMS control surface, HTTP).
       controller migrate up         Run database migrations.
       controller migrate status     Show migration status.
       controller incidents [n]      Print the n most recent incidents (default 20) and counts per kind.
       controller prune [days]       Delete incidents older than days (default 30).

Commands:
  serve           (default) Start the controller.
  migrate up      Run database migrations only.
  migrate status  Show current migration status.
  incidents [n]   Show the incident journal.
  prune [days]    Trim the incident journal.

Environment: LINK_ADDR, COMMS_URL, CONTROL_SUBJECT, DATABASE_URL (journal; required for migrate,
incidents and prune), MIGRATION_PATH, PROFILE_FILE, HTTP_PORT, LOG_LEVEL, LOG_FILE.
`

const (
	defaultIncidents = 20
	defaultPruneDays = 30
)

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("controller migrate: require subcommand (up, status)")
		}
		switch sub := args[1]; sub {
		case "up":
			if err := runMigrateUp(os.Stdout); err != nil {
				log.Fatalf("controller migrate up: %v", err)
			}
		case "status":
			if err := runMigrateStatus(os.Stdout); err != nil {
				log.Fatalf("controller migrate status: %v", err)
			}
		default:
			log.Fatalf("controller migrate: unknown subcommand %q (use up, status)", sub)
		}
		return
	case "incidents":
		n, err := parseCount(args[1:], defaultIncidents)
		if err != nil {
			log.Fatalf("controller incidents: %v", err)
		}
		if err := runIncidents(os.Stdout, n); err != nil {
			log.Fatalf("controller incidents: %v", err)
		}
		return
	case "prune":
		days, err := parseCount(args[1:], defaultPruneDays)
		if err != nil {
			log.Fatalf("controller prune: %v", err)
		}
		if err := runPrune(os.Stdout, days); err != nil {
			log.Fatalf("controller prune: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		// serve (explicit or default)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("controller: %v", err)
	}
}

// parseCount reads an optional positive integer argument.
func parseCount(args []string, def int) (int, error) {
	if len(args) == 0 || args[0] == "" {
		return def, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("expected a positive number, got %q", args[0])
	}
	return n, nil
}

func loadDBConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runMigrateUp(w io.Writer) error {
	cfg, err := loadDBConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := db.EnsureDatabase(ctx, cfg.DatabaseURL); err != nil {
		return fmt.Errorf("ensure database: %w", err)
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	migrations, err := db.LoadMigrationFiles(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	applied, err := db.RunMigrations(ctx, pool, migrations)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	fmt.Fprintf(w, "Applied %d of %d migrations.\n", applied, len(migrations))
	return nil
}

func runMigrateStatus(w io.Writer) error {
	cfg, err := loadDBConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	migrations, err := db.LoadMigrationFiles(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	states, err := db.MigrationStatus(ctx, pool, migrations)
	if err != nil {
		return err
	}
	return printMigrationStatus(w, states)
}

func printMigrationStatus(w io.Writer, states []db.MigrationState) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MIGRATION\tSTATUS")
	for _, s := range states {
		status := "pending"
		if s.Applied {
			status = "applied"
		}
		fmt.Fprintf(tw, "%s\t%s\n", s.Name, status)
	}
	return tw.Flush()
}

func runIncidents(w io.Writer, n int) error {
	cfg, err := loadDBConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	journal := db.NewJournal(pool, db.JournalOptions{})
	incidents, err := journal.Recent(ctx, n)
	if err != nil {
		return err
	}
	counts, err := journal.CountByKind(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		return err
	}
	return printIncidents(w, incidents, counts)
}

func printIncidents(w io.Writer, incidents []events.Incident, counts map[string]int64) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tKIND\tCOMMAND\tELAPSED\tPAYLOAD\tDETAIL")
	for _, i := range incidents {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%dms\t%s\t%s\n",
			i.Created.Format(time.RFC3339), i.Kind, i.Command, i.ElapsedMs, hex.EncodeToString(i.Payload), i.Detail)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(counts) == 0 {
		return nil
	}
	fmt.Fprintln(w, "\nLast 24h:")
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(w, "  %-20s %d\n", k, counts[k])
	}
	return nil
}

func runPrune(w io.Writer, days int) error {
	cfg, err := loadDBConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	removed, err := db.NewJournal(pool, db.JournalOptions{}).Prune(ctx, time.Now().AddDate(0, 0, -days))
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Removed %d incidents older than %d days.\n", removed, days)
	return nil
}
