package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	loginToken       string
	loginDisplayName string
	loginRole        string
	loginBaseURL     string
)

func init() {
	loginCmd.Flags().StringVar(&loginToken, "token", "", "bearer token (defaults to the user id against the dev server)")
	loginCmd.Flags().StringVar(&loginDisplayName, "name", "", "display name")
	loginCmd.Flags().StringVar(&loginRole, "role", "member", "user role")
	loginCmd.Flags().StringVar(&loginBaseURL, "base-url", "", "backend base URL")
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <user-id>",
	Short: "Store a session in the config file",
	Long:  "Store the session identity and token used by the other commands.\nExample: relay login alice --name Alice --base-url http://localhost:8090",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.UserID = args[0]
		cfg.Auth.Username = args[0]
		cfg.Auth.Token = loginToken
		cfg.Auth.DisplayName = loginDisplayName
		cfg.Auth.Role = loginRole
		if loginBaseURL != "" {
			cfg.Default.BaseURL = loginBaseURL
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Logged in as %s\n", args[0])
		return nil
	},
}
