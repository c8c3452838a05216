package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	relay "github.com/relay-im/relay-go"
)

func init() {
	rootCmd.AddCommand(presenceCmd)
	rootCmd.AddCommand(usersCmd)
	usersCmd.Flags().StringVar(&usersRole, "role", "", "filter by role")
	usersCmd.Flags().StringVar(&usersSearch, "search", "", "filter by name substring")
}

var presenceCmd = &cobra.Command{
	Use:   "presence",
	Short: "Show who is online",
	Long:  "Fetch the remote presence snapshot and print each user's status\nand last-seen time.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, _, err := clientFromConfig(cfg)
		if err != nil {
			return err
		}

		data, err := client.Presence.Get(cmd.Context())
		if err != nil {
			return err
		}

		online := make(map[string]bool, len(data.OnlineUsers))
		for _, id := range data.OnlineUsers {
			online[id] = true
		}

		ids := make([]string, 0, len(data.LastSeen))
		for id := range data.LastSeen {
			ids = append(ids, id)
		}
		for _, id := range data.OnlineUsers {
			if _, ok := data.LastSeen[id]; !ok {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)

		if len(ids) == 0 {
			fmt.Println("No presence data.")
			return nil
		}
		for _, id := range ids {
			if online[id] {
				fmt.Printf("%-20s online\n", id)
				continue
			}
			fmt.Printf("%-20s last seen %s\n", id, relay.FormatLastSeen(parseSeen(data.LastSeen[id])))
		}
		return nil
	},
}

func parseSeen(ts string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		return t
	}
	t, _ := time.Parse(time.RFC3339, ts)
	return t
}

var (
	usersRole   string
	usersSearch string
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List users in the directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, _, err := clientFromConfig(cfg)
		if err != nil {
			return err
		}

		data, err := client.Users.List(cmd.Context(), &relay.ListUsersOptions{Role: usersRole, Search: usersSearch})
		if err != nil {
			return err
		}
		if len(data.Users) == 0 {
			fmt.Println("No users found.")
			return nil
		}
		for _, u := range data.Users {
			fmt.Printf("%-20s %-20s %s\n", u.ID, u.DisplayName, u.Role)
		}
		return nil
	},
}
