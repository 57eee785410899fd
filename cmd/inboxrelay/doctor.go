package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"inboxrelay/internal/config"
	"inboxrelay/internal/notify"
	"inboxrelay/internal/store"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your inboxrelay installation",
		Long: `Verifies that the configuration, database, listening ports and relay are
correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			fmt.Printf("inboxrelay doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'inboxrelay init' to create a default configuration.\n")
				return fmt.Errorf("config file missing")
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				fmt.Printf("\n%d passed, 1 failed\n", passed)
				return fmt.Errorf("invalid config")
			}
			printPass("Config validation", "valid")
			passed++

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			// 3. Database reachable, migrated and writable
			if v, err := checkDatabase(ctx, cfg); err != nil {
				printFail("Database", err.Error())
				failed++
			} else {
				printPass("Database", fmt.Sprintf("%s, schema v%d", cfg.Store.Driver, v))
				passed++
			}

			// 4. Allow-list
			if len(cfg.Ingest.AllowedInboxes) == 0 {
				printWarn("Inbox allow-list", "empty: events from every inbox are accepted")
				warned++
			} else {
				printPass("Inbox allow-list", fmt.Sprint([]string(cfg.Ingest.AllowedInboxes)))
				passed++
			}

			// 5. Webhook signature
			if cfg.Ingest.WebhookSecret == "" {
				printWarn("Webhook secret", "not set: webhook requests are not authenticated")
				warned++
			} else {
				printPass("Webhook secret", "configured")
				passed++
			}

			// 6. Ports
			for _, p := range []struct {
				name string
				host string
				port int
			}{
				{"Server port", cfg.Server.Host, cfg.Server.Port},
				{"Relay port", cfg.Relay.Host, cfg.Relay.Port},
			} {
				if err := checkPort(p.host, p.port); err != nil {
					printWarn(p.name, fmt.Sprintf("port %d may be in use: %v", p.port, err))
					warned++
				} else {
					printPass(p.name, fmt.Sprintf(":%d available", p.port))
					passed++
				}
			}

			// 7. Relay reachable
			if cfg.Notify.RelayURL == "" {
				printWarn("Relay", "notify.relayURL empty: live notification disabled")
				warned++
			} else if rc, err := notify.NewRelayClient(notify.ClientConfig{BaseURL: cfg.Notify.RelayURL, Logger: logger}); err != nil {
				printFail("Relay", err.Error())
				failed++
			} else if h, err := rc.Health(ctx); err != nil {
				printWarn("Relay", fmt.Sprintf("%s unreachable: %v", rc.BaseURL(), err))
				warned++
			} else {
				printPass("Relay", fmt.Sprintf("%s (%d connections, %d rooms)", rc.BaseURL(), h.Connections, h.Rooms))
				passed++
			}

			// 8. Log file writable
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running inboxrelay.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\ninboxrelay should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! inboxrelay is ready to run.\n")
			}
			return nil
		},
	}
}

// checkDatabase opens the store (applying migrations), pings it and returns
// the schema version.
func checkDatabase(ctx context.Context, cfg *config.Config) (int, error) {
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN, logger)
	if err != nil {
		return 0, fmt.Errorf("cannot open: %w", err)
	}
	defer st.Close()

	if err := st.Ping(ctx); err != nil {
		return 0, fmt.Errorf("cannot ping: %w", err)
	}
	return store.SchemaVersion(ctx, st.DB())
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
