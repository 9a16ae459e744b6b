package main

import (
	"HalvingMassacre/internal/config"
	"HalvingMassacre/internal/core"
	"HalvingMassacre/internal/event"
	"HalvingMassacre/internal/game"
	"HalvingMassacre/internal/ingestion"
	"HalvingMassacre/internal/persistence"
	"HalvingMassacre/migrations"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"
)

func main() {
	log.SetFlags(log.LstdFlags)

	root := &cobra.Command{
		Use:          "massacrectl",
		Short:        "Operator tool for the halving massacre engine",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "TOML config file (MASSACRE_* env vars override it)")
	root.AddCommand(
		MigrateCmd(),
		GameCmd(),
		ReplayCmd(),
		PublishesCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

func openDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// ============================================================================
// migrate
// ============================================================================

func MigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back schema migrations",
	}
	cmd.AddCommand(
		&cobra.Command{Use: "up", Short: "Apply all pending migrations", RunE: migrateRun("up")},
		&cobra.Command{Use: "down", Short: "Roll back the last migration", RunE: migrateRun("down")},
		&cobra.Command{Use: "status", Short: "List pending migrations", RunE: migrateRun("status")},
	)
	return cmd
}

func migrateRun(action string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		db, err := openDB(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		migrator := persistence.NewMigrator(db, migrations.FS)
		switch action {
		case "up":
			if err := migrator.Up(ctx); err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}
			log.Println("INFO: all migrations applied")
		case "down":
			if err := migrator.Down(ctx); err != nil {
				return fmt.Errorf("migrate down: %w", err)
			}
			log.Println("INFO: last migration rolled back")
		case "status":
			pending, err := migrator.Pending(ctx)
			if err != nil {
				return fmt.Errorf("migrate status: %w", err)
			}
			if len(pending) == 0 {
				fmt.Println("up to date")
			}
			for _, v := range pending {
				fmt.Println("pending", v)
			}
		}
		return nil
	}
}

// ============================================================================
// game
// ============================================================================

// GameCmd publishes organizer commands on the engine's command subjects.
func GameCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "game",
		Short: "Send organizer commands to the engine",
	}
	cmd.AddCommand(gameCreateCmd(), gameStartCmd(), gameCloseCmd())
	return cmd
}

func gameCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a game in SETUP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, _ := cmd.Flags().GetString("id")
			if id == "" {
				id = uuid.NewString()
			}
			price, _ := cmd.Flags().GetInt64("ticket-price")
			minBet, _ := cmd.Flags().GetInt64("min-bet")
			final, _ := cmd.Flags().GetInt64("final-block")
			pool, _ := cmd.Flags().GetString("pool-pubkey")
			return sendCommand(cmd, event.CommandCreate, id, &event.CreateGame{
				GameID: id, TicketPrice: price, MinBet: minBet, FinalBlock: final, PoolPubKey: pool,
			})
		},
	}
	cmd.Flags().String("id", "", "game id (generated when empty)")
	cmd.Flags().Int64("ticket-price", 0, "ticket price in sats")
	cmd.MarkFlagRequired("ticket-price")
	cmd.Flags().Int64("min-bet", 0, "minimum power zap in sats")
	cmd.MarkFlagRequired("min-bet")
	cmd.Flags().Int64("final-block", 0, "height of the last massacre")
	cmd.MarkFlagRequired("final-block")
	cmd.Flags().String("pool-pubkey", "", "public key of the pool wallet")
	cmd.MarkFlagRequired("pool-pubkey")
	return cmd
}

func gameStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Attach the massacre schedule and open the game",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, _ := cmd.Flags().GetString("id")
			path, _ := cmd.Flags().GetString("schedule")
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read schedule: %w", err)
			}
			var schedule []game.ScheduleEntry
			if err := json.Unmarshal(data, &schedule); err != nil {
				return fmt.Errorf("parse schedule: %w", err)
			}
			return sendCommand(cmd, event.CommandStart, id, &event.StartGame{GameID: id, Schedule: schedule})
		},
	}
	cmd.Flags().String("id", "", "game id")
	cmd.MarkFlagRequired("id")
	cmd.Flags().String("schedule", "", "JSON file with the massacre schedule")
	cmd.MarkFlagRequired("schedule")
	return cmd
}

func gameCloseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "close",
		Short: "Cancel a game that has not started playing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, _ := cmd.Flags().GetString("id")
			return sendCommand(cmd, event.CommandClose, id, &event.CloseGame{GameID: id})
		},
	}
	cmd.Flags().String("id", "", "game id")
	cmd.MarkFlagRequired("id")
	return cmd
}

func sendCommand(cmd *cobra.Command, typ event.CommandType, gameID string, payload interface{}) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	subject := ingestion.CommandSubject(typ, gameID)
	ack, err := js.Publish(ctx, subject, data, jetstream.WithMsgID(string(typ)+":"+gameID+":"+uuid.NewString()))
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	fmt.Printf("%s %s (stream %s seq %d)\n", typ, gameID, ack.Stream, ack.Sequence)
	return nil
}

// ============================================================================
// replay
// ============================================================================

// ReplayCmd answers stored receipts whose confirmations were never published.
func ReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-publish confirmations of unanswered receipts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			ctx := cmd.Context()

			db, err := openDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
			if err != nil {
				return fmt.Errorf("nats connect: %w", err)
			}
			defer nc.Close()

			signer, err := event.NewSigner(cfg.SigningKey)
			if err != nil {
				return fmt.Errorf("signing key: %w", err)
			}
			fanout := core.NewFanout(ingestion.NewJetStreamOutbox(js), signer, cfg.PublishTimeout.Duration, nil, nil)
			engine, err := core.NewEngine(persistence.NewPostgres(db), fanout, nil, core.Config{
				TxTimeout: cfg.TxTimeout.Duration,
				ZapKeys:   event.ZapKeys{Gateway: cfg.GatewayKey, Issuer: signer.PubKey()},
			}, nil)
			if err != nil {
				return err
			}

			n, err := engine.ReplayUnanswered(ctx, limit)
			if err != nil {
				return fmt.Errorf("replay: %w", err)
			}
			fmt.Printf("answered %d receipts\n", n)
			return nil
		},
	}
	cmd.Flags().Int("limit", 1000, "maximum receipts to answer")
	return cmd
}

// ============================================================================
// publishes
// ============================================================================

func PublishesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publishes",
		Short: "Inspect the publish log",
	}
	failed := &cobra.Command{
		Use:   "failed",
		Short: "List failed publications of a game",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			gameID, _ := cmd.Flags().GetString("game")
			since, _ := cmd.Flags().GetDuration("since")
			limit, _ := cmd.Flags().GetInt("limit")
			ctx := cmd.Context()

			db, err := openDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			records, err := persistence.NewPublishLogWriter(db).FailedSince(ctx, gameID, time.Now().Add(-since), limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		},
	}
	failed.Flags().String("game", "", "game id")
	failed.MarkFlagRequired("game")
	failed.Flags().Duration("since", 24*time.Hour, "look back this far")
	failed.Flags().Int("limit", 100, "maximum rows")
	cmd.AddCommand(failed)
	return cmd
}
