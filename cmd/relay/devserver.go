package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	relay "github.com/relay-im/relay-go"
	"github.com/relay-im/relay-go/devserver"
)

var (
	devAddr  string
	devDB    string
	devSeed  []string
	devDebug bool
)

func init() {
	devServerCmd.Flags().StringVar(&devAddr, "addr", ":8090", "listen address")
	devServerCmd.Flags().StringVar(&devDB, "db", ":memory:", "sqlite database path")
	devServerCmd.Flags().StringSliceVar(&devSeed, "seed", nil, "users to seed, as id[:displayName[:role]]")
	devServerCmd.Flags().BoolVar(&devDebug, "debug", false, "log every request")
	rootCmd.AddCommand(devServerCmd)
}

var devServerCmd = &cobra.Command{
	Use:   "dev-server",
	Short: "Run the local development backend",
	Long:  "Run the sqlite-backed development backend the engine can poll.\nExample: relay dev-server --addr :8090 --seed alice:Alice --seed bob:Bob",
	RunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if devDebug {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		srv, err := devserver.New(devDB, logger)
		if err != nil {
			return fmt.Errorf("failed to open dev server: %w", err)
		}
		defer srv.Close()

		if len(devSeed) > 0 {
			users := make([]relay.UserSummary, 0, len(devSeed))
			for _, entry := range devSeed {
				parts := strings.SplitN(entry, ":", 3)
				u := relay.UserSummary{ID: parts[0], DisplayName: parts[0], Role: "member"}
				if len(parts) > 1 && parts[1] != "" {
					u.DisplayName = parts[1]
				}
				if len(parts) > 2 && parts[2] != "" {
					u.Role = parts[2]
				}
				users = append(users, u)
			}
			if err := srv.Seed(users); err != nil {
				return fmt.Errorf("failed to seed users: %w", err)
			}
			logger.Info("seeded users", "count", len(users))
		}

		logger.Info("dev server listening", "addr", devAddr, "db", devDB)
		return http.ListenAndServe(devAddr, srv)
	},
}
