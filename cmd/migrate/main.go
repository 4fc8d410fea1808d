// migrate applies the embedded schema migrations: go run ./cmd/migrate [-direction=down]
package main

import (
	"errors"
	"flag"
	"log"
	"os"

	"github.com/parley/chat-app/internal/db/migrate"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up or down")
	flag.Parse()

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN must be set")
	}

	if err := migrate.Run(dsn, *direction); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Printf("migrate: no change, already at target version")
			return
		}
		log.Fatalf("migrate: %v", err)
	}

	log.Printf("migrate: %s complete", *direction)
}
