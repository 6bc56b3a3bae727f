// Command migrate applies the SQL migrations in ./migrations with goose.
//
// Usage:
//
//	go run ./cmd/migrate up            # apply everything pending
//	go run ./cmd/migrate down          # roll back one migration
//	go run ./cmd/migrate status        # list applied and pending
//	go run ./cmd/migrate version       # current schema version
//	go run ./cmd/migrate up-to <v>     # migrate up to a version
//	go run ./cmd/migrate down-to <v>   # migrate down to a version
//
// The target database comes from DATABASE_URL.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

const migrationsDir = "migrations"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: migrate <command> [args]")
		fmt.Fprintln(os.Stderr, "commands: up, down, status, version, redo, up-to <version>, down-to <version>")
		os.Exit(2)
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		log.Fatalf("connect to database: %v", err)
	}

	cmd, args := os.Args[1], os.Args[2:]
	if err := goose.RunContext(context.Background(), cmd, db, migrationsDir, args...); err != nil {
		log.Fatalf("migrate %s: %v", cmd, err)
	}
}
