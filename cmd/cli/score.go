package main

import (
	"context"

	"crmflow/internal/services"

	"github.com/spf13/cobra"
)

var scoreTenantID uint

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Run a lead scoring batch for a tenant",
	Long:  `Recalculates the score of every lead owned by the tenant and persists the results.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, err := openDB()
		if err != nil {
			return err
		}
		logger := cliLogger()

		scoring := services.NewLeadScoringService(db, logger)
		scored, err := scoring.BulkCalculateScores(context.Background(), scoreTenantID)
		if err != nil {
			return err
		}
		logger.Infof("Scored %d leads for tenant %d", scored, scoreTenantID)
		return nil
	},
}

func init() {
	scoreCmd.Flags().UintVar(&scoreTenantID, "tenant", 0, "tenant id")
	_ = scoreCmd.MarkFlagRequired("tenant")
	rootCmd.AddCommand(scoreCmd)
}
