// Command rotate-key re-encrypts every automation wallet under a new master
// key. Run it with the engine stopped, or accept that in-flight executions
// may briefly decrypt with the old cached key. The new key must be exported
// as MASTER_ENCRYPTION_KEY before restarting the engine.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/signalswap/backend/internal/config"
	"github.com/signalswap/backend/internal/database"
	"github.com/signalswap/backend/internal/secrets"
)

func main() {
	newKeyHex := flag.String("new-key", "", "new 32-byte hex master key (or NEW_MASTER_ENCRYPTION_KEY)")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall rotation deadline")
	flag.Parse()

	_ = godotenv.Load()

	if *newKeyHex == "" {
		*newKeyHex = os.Getenv("NEW_MASTER_ENCRYPTION_KEY")
	}
	if *newKeyHex == "" {
		log.Fatal("❌ a new key is required: pass -new-key or set NEW_MASTER_ENCRYPTION_KEY")
	}

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("❌ configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("❌ postgres: %v", err)
	}
	defer db.Close()

	audit := database.NewAuditStore(db)
	wallets := database.NewWalletStore(db, audit)

	keyStore, err := secrets.NewStore(cfg.MasterKeyHex, audit)
	if err != nil {
		log.Fatalf("❌ current master key: %v", err)
	}

	report, err := keyStore.Rotate(ctx, *newKeyHex, wallets)
	if err != nil {
		log.Fatalf("❌ rotation: %v", err)
	}

	log.Printf("✅ rotation finished: %d/%d wallets re-encrypted in %s",
		report.Rotated, report.Total, report.Took.Round(time.Millisecond))
	for id, werr := range report.Failures {
		log.Printf("❌ wallet %s: %v", id, werr)
	}
	if len(report.Failures) > 0 {
		log.Printf("⚠️  %d wallet(s) still use the old key; re-run after fixing them", len(report.Failures))
		os.Exit(1)
	}
}
