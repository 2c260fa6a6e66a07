package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"wagpt/internal/config"
	"wagpt/internal/provider"
	"wagpt/internal/transport/whatsapp"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func doctorCmd() *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your wagpt installation",
		Long: `Verifies that the configuration, API key, credential store, database
and completion endpoint are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("wagpt doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			if _, err := config.LoadDotEnv(); err != nil {
				printWarn(".env", err.Error())
				warned++
			}

			// 1. Config file
			if _, err := os.Stat(cfgPath); err != nil {
				printWarn("Config file", fmt.Sprintf("not found at %s, using defaults", cfgPath))
				warned++
			} else {
				printPass("Config file", cfgPath)
				passed++
			}

			// 2. Config loads and validates
			cfg, err := config.LoadOrDefaults(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				failed++
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return fmt.Errorf("%d check(s) failed", failed)
			}
			printPass("Config validation", "valid")
			passed++

			// 3. API key
			if err := config.RequireAPIKey(cfg); err != nil {
				printFail("API key", "not set ("+config.APIKeyEnv+")")
				failed++
			} else {
				printPass("API key", "set")
				passed++
			}

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()

			// 4. Transport credentials
			switch cfg.Transport.Kind {
			case "telegram":
				if cfg.Transport.Telegram.Token == "" {
					printFail("Telegram token", "not set (TELEGRAM_BOT_TOKEN)")
					failed++
				} else {
					printPass("Telegram token", "set")
					passed++
				}
			default:
				detail, err := checkAuthStore(ctx, cfg.Transport.WhatsApp.StorePath)
				switch {
				case err != nil:
					printFail("Credential store", err.Error())
					failed++
				case detail == "":
					printWarn("Credential store", "no device linked yet, the next run will show a QR code")
					warned++
				default:
					printPass("Credential store", detail)
					passed++
				}
			}

			// 5. Seen-message database
			if cfg.Relay.PersistDedup {
				if err := checkDatabase(cfg.General.DBPath); err != nil {
					printFail("Database", err.Error())
					failed++
				} else {
					printPass("Database", cfg.General.DBPath)
					passed++
				}
			}

			// 6. Completion endpoint
			if offline || config.RequireAPIKey(cfg) != nil {
				printWarn("Completion API", "skipped")
				warned++
			} else {
				client := provider.NewOpenAI(provider.OpenAIConfig{
					APIKey:  cfg.Completion.APIKey,
					APIBase: cfg.Completion.APIBase,
					Model:   cfg.Completion.Model,
					Logger:  logger,
				})
				if err := client.Healthy(ctx); err != nil {
					printFail("Completion API", err.Error())
					failed++
				} else {
					printPass("Completion API", cfg.Completion.APIBase)
					passed++
				}
			}

			// 7. Metrics listener
			if cfg.Metrics.Enabled {
				if err := checkListen(cfg.Metrics.Listen); err != nil {
					printWarn("Metrics", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Listen, err))
					warned++
				} else {
					printPass("Metrics", cfg.Metrics.Listen+" available")
					passed++
				}
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
				fmt.Printf("\nPlease fix the failed checks before running wagpt.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nwagpt should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! wagpt is ready to run.\n")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "skip the completion endpoint check")
	return cmd
}

// checkAuthStore opens the credential store and reports the linked JID, or
// "" when no device is paired. A missing store is not an error.
func checkAuthStore(ctx context.Context, path string) (string, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	store, err := whatsapp.OpenStore(ctx, path, logger)
	if err != nil {
		return "", err
	}
	defer store.Close()
	paired, jid, err := store.Paired(ctx)
	if err != nil || !paired {
		return "", err
	}
	return "linked as " + jid, nil
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}

	// Try a write.
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")

	return nil
}

func checkListen(addr string) error {
	ln, err := net.Listen("tcp", addr)
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
