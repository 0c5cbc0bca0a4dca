package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"gridrelay/internal/channel"
	"gridrelay/internal/config"
	"gridrelay/internal/journal"
	"gridrelay/internal/relay"
)

type doctorReport struct {
	passed, warned, failed int
}

func (r *doctorReport) pass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
	r.passed++
}

func (r *doctorReport) fail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
	r.failed++
}

func (r *doctorReport) warn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
	r.warned++
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, journal, port and broker connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("gridrelay doctor v%s\n\n", version)
			var r doctorReport

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'gridrelay init' to create a default configuration.\n")
				return fmt.Errorf("config file missing")
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			r.pass("Config validation", "valid")

			if err := checkPort(cfg.Server.Port); err != nil {
				r.warn("Listen port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
			} else {
				r.pass("Listen port", fmt.Sprintf(":%d available", cfg.Server.Port))
			}

			if cfg.Journal.Enabled {
				if err := checkJournal(cfg.Journal.DBPath); err != nil {
					r.fail("Journal", err.Error())
				} else {
					r.pass("Journal", cfg.Journal.DBPath)
				}
			}

			checkRelays(cmd.Context(), cfg, &r)

			if cfg.Bot.Enabled {
				sender, err := channel.NewSender(cfg.Outbound, logger)
				switch {
				case err != nil:
					r.fail("Outbound", err.Error())
				case sender == nil:
					r.warn("Outbound", "reply bot enabled but outbound.provider is none")
				default:
					r.pass("Outbound", sender.Name())
				}
			}

			fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			return nil
		},
	}
}

func checkRelays(ctx context.Context, cfg *config.Config, r *doctorReport) {
	rc := cfg.Relay
	if rc.WebSocket.Enabled {
		r.pass("Relay: websocket", cfg.Server.HubPath)
	}
	if rc.NATS.Enabled {
		conn, err := relay.DialNATS(relay.NATSConfig{URL: rc.NATS.URL, Token: rc.NATS.Token, Timeout: 3 * time.Second}, logger)
		if err != nil {
			r.fail("Relay: nats", err.Error())
		} else {
			conn.Close()
			r.pass("Relay: nats", rc.NATS.Subject)
		}
	}
	if rc.AMQP.Enabled {
		a, err := relay.DialAMQP(relay.AMQPConfig{URL: rc.AMQP.URL, Exchange: rc.AMQP.Exchange}, logger)
		if err != nil {
			r.fail("Relay: amqp", err.Error())
		} else {
			a.Close()
			r.pass("Relay: amqp", rc.AMQP.Exchange)
		}
	}
	if rc.Redis.Enabled {
		dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		client, err := relay.DialRedis(dialCtx, rc.Redis.URL)
		cancel()
		if err != nil {
			r.fail("Relay: redis", err.Error())
		} else {
			client.Close()
			r.pass("Relay: redis", rc.Redis.Channel)
		}
	}
}

// checkJournal opens (and migrates) the journal to prove the path is writable.
func checkJournal(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create journal directory: %w", err)
	}
	store, err := journal.Open(dbPath, logger)
	if err != nil {
		return err
	}
	return store.Close()
}

func checkPort(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	return ln.Close()
}
