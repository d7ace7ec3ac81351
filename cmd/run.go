package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var sourceID, username string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs one crawl attempt for a source and prints its report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			report, runErr := appInstance.RunAttempt(cmd.Context(), sourceID, username)
			if report.ID != "" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return errors.Join(runErr, fmt.Errorf("write report: %w", err))
				}
			}
			if runErr != nil {
				return fmt.Errorf("run attempt: %w", runErr)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sourceID, "source", "", "source id to crawl")
	cmd.Flags().StringVar(&username, "user", "", "user requesting the attempt")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
