// Command apikey mints an API key directly against the database. Use it to
// bootstrap the first admin key before the HTTP admin surface is reachable.
//
//	DATABASE_URL=... HMAC_SECRET=... apikey -label ops-admin -role admin
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	appauth "github.com/DCGM/docbroker/internal/application/auth"
	"github.com/DCGM/docbroker/internal/config"
	"github.com/DCGM/docbroker/internal/domain"
	sqlstorage "github.com/DCGM/docbroker/internal/storage/sql"
)

func main() {
	label := flag.String("label", "", "unique human-readable key label (required)")
	role := flag.String("role", "user", "key role: readonly, user, worker, or admin")
	flag.Parse()

	if err := run(*label, domain.KeyRole(*role)); err != nil {
		fmt.Fprintf(os.Stderr, "failed: %v\n", err)
		os.Exit(1)
	}
}

func run(label string, role domain.KeyRole) error {
	if label == "" {
		return fmt.Errorf("a -label is required")
	}
	if !domain.ValidRole(role) {
		return fmt.Errorf("unknown role %q", role)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := sqlstorage.Open(ctx, cfg.DatabaseURL,
		sqlstorage.JobConfig{
			Timeout:      cfg.JobTimeout,
			TimeoutGrace: cfg.JobTimeoutGrace,
			MaxAttempts:  cfg.JobMaxAttempts,
		}, sqlstorage.DBConfig{})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	rawKey, key, err := appauth.MintKey(ctx, store, cfg.HMACSecret, cfg.KeyPrefix, label, role)
	if err != nil {
		return err
	}

	fmt.Printf("id:    %s\nlabel: %s\nrole:  %s\nkey:   %s\n", key.ID, key.Label, key.Role, rawKey)
	fmt.Println("store the key now; it will not be shown again")
	return nil
}
