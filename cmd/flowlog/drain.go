package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"llm_flow/internal/app"
	"llm_flow/internal/logging"
)

func newDrainCmd() *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Pop buffered entries from the Redis list and print them as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count <= 0 {
				return errors.New("--count must be positive")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			client, err := app.DialRedis(ctx, cfg.Redis)
			if err != nil {
				return err
			}
			defer client.Close()

			list := logging.NewRedisList(client, logging.RedisListConfig{
				Key:     cfg.Redis.ListKey,
				MaxSize: cfg.Redis.ListMaxSize,
			})
			entries, err := list.Drain(ctx, count)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, entry := range entries {
				if err := enc.Encode(entry); err != nil {
					return fmt.Errorf("failed to write entry %s: %w", entry.RequestID, err)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 100, "maximum number of entries to pop")
	return cmd
}
