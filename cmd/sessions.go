package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentrelay/internal/config"
	"github.com/nextlevelbuilder/agentrelay/internal/gateway"
	"github.com/nextlevelbuilder/agentrelay/internal/store"
	"github.com/nextlevelbuilder/agentrelay/pkg/protocol"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect the session directory",
	}
	cmd.AddCommand(sessionsListCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	var agentID string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List known sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			// Prefer the live gateway view; fall back to the local directory
			// when it is unreachable.
			if listViaGateway(cfg, agentID, limit, offset) {
				return nil
			}

			sessStore, closeStore, err := openSessionStore(cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			res := sessStore.ListPaged(store.SessionListOpts{AgentID: agentID, Limit: limit, Offset: offset})
			for _, s := range res.Sessions {
				printSessionRow(s.Key, s.Label, s.Updated.Format(time.RFC3339))
			}
			fmt.Printf("%d of %d sessions\n", len(res.Sessions), res.Total)
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "restrict to one agent's sessions")
	cmd.Flags().IntVar(&limit, "limit", 20, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func listViaGateway(cfg *config.Config, agentID string, limit, offset int) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := gateway.NewClient(cfg.Gateway.URL, cfg.Gateway.Token, nil, nil)
	if err := client.Connect(ctx); err != nil {
		slog.Debug("sessions: gateway unreachable, using local directory", "error", err)
		return false
	}
	defer client.Close()

	payload, err := client.Call(ctx, protocol.MethodSessionsList, protocol.SessionsListParams{
		AgentID: agentID,
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		slog.Debug("sessions: gateway list failed, using local directory", "error", err)
		return false
	}
	var res protocol.SessionsListResult
	if err := json.Unmarshal(payload, &res); err != nil {
		slog.Debug("sessions: bad gateway list payload, using local directory", "error", err)
		return false
	}
	for _, s := range res.Sessions {
		printSessionRow(s.Key, s.Label, s.Updated)
	}
	fmt.Printf("%d of %d sessions\n", len(res.Sessions), res.Total)
	return true
}

func printSessionRow(key, label, updated string) {
	if label != "" {
		fmt.Printf("%-60s  %-20s  %s\n", key, label, updated)
		return
	}
	fmt.Printf("%-60s  %-20s  %s\n", key, "-", updated)
}
