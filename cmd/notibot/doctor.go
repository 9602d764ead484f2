package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"notibot/internal/config"
	"notibot/internal/source"
	"notibot/internal/state"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your notibot installation",
		Long: `Verifies that notibot's configuration, state, journal, and endpoints are
correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("notibot Doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'notibot init' to create a default configuration.\n")
				return nil
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				failed++
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return fmt.Errorf("1 check failed")
			}
			printPass("Config validation", "valid")
			passed++

			// 3. Data directory writable
			if err := os.MkdirAll(cfg.General.DataDir, 0o755); err != nil {
				printFail("Data directory", err.Error())
				failed++
			} else {
				printPass("Data directory", cfg.General.DataDir)
				passed++
			}

			// 4. State file parses
			if _, err := os.Stat(cfg.General.StatePath()); os.IsNotExist(err) {
				printWarn("State file", "none yet (first run will fast-forward)")
				warned++
			} else if _, err := state.Load(cfg.General.StatePath()); err != nil {
				printFail("State file", err.Error())
				failed++
			} else {
				printPass("State file", cfg.General.StatePath())
				passed++
			}

			// 5. Stale lock
			if pidHeld, pid := lockHeld(cfg.General.LockPath()); pidHeld {
				printWarn("Lock file", fmt.Sprintf("held by pid %d (is notibot already running?)", pid))
				warned++
			} else {
				printPass("Lock file", "free")
				passed++
			}

			// 6. Source endpoint reachable
			if cfg.Source.BaseURL == "" {
				printFail("Source API", "source.baseUrl is empty")
				failed++
			} else if err := checkURL(cfg.Source.BaseURL); err != nil {
				printWarn("Source API", fmt.Sprintf("%s unreachable: %v", cfg.Source.BaseURL, err))
				warned++
			} else {
				printPass("Source API", cfg.Source.BaseURL)
				passed++
			}

			// 7. Cached session
			if creds := source.LoadSession(cfg.General.SessionPath()); creds != nil {
				printPass("Session", "cached and unexpired")
				passed++
			} else {
				printWarn("Session", "none cached; first run will log in")
				warned++
			}

			// 8. Delivery sink credentials
			switch cfg.Delivery.Sink {
			case "telegram":
				if cfg.Delivery.Telegram.Token == "" || cfg.Delivery.Telegram.ChatID == "" {
					printFail("Telegram sink", "delivery.telegram.token and chatId are required")
					failed++
				} else {
					printPass("Telegram sink", "configured")
					passed++
				}
			case "webhook":
				if _, err := url.ParseRequestURI(cfg.Delivery.Webhook.URL); err != nil {
					printFail("Webhook sink", "delivery.webhook.url is not a valid URL")
					failed++
				} else {
					printPass("Webhook sink", cfg.Delivery.Webhook.URL)
					passed++
				}
			}

			// 9. Journal database writable
			if cfg.Journal.Enabled {
				if err := checkDatabase(cfg.Journal.DBPath); err != nil {
					printFail("Journal DB", err.Error())
					failed++
				} else {
					printPass("Journal DB", cfg.Journal.DBPath)
					passed++
				}
			}

			// 10. Metrics port free
			if cfg.Metrics.Enabled {
				if err := checkAddr(cfg.Metrics.Listen); err != nil {
					printWarn("Metrics port", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Listen, err))
					warned++
				} else {
					printPass("Metrics port", cfg.Metrics.Listen)
					passed++
				}
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running notibot.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nnotibot should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! notibot is ready to run.\n")
			}
			return nil
		},
	}
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
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

func checkURL(base string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Head(base)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func checkAddr(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

// lockHeld reports whether the lock file exists and names a live process.
func lockHeld(path string) (bool, int) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, 0
	}
	var pid int
	fmt.Sscan(string(data), &pid)
	if pid <= 0 {
		return false, 0
	}
	if err := syscall.Kill(pid, syscall.Signal(0)); err == nil || err == syscall.EPERM {
		return true, pid
	}
	return false, pid
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
