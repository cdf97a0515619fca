package main

import (
	"context"

	"crmflow/internal/services"

	"github.com/spf13/cobra"
)

var balanceTenantID uint

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Assign unassigned leads to the least loaded users",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, err := openDB()
		if err != nil {
			return err
		}
		logger := cliLogger()

		store := services.NewGormEntityStore(db)
		assignment := services.NewAssignmentService(db, store, services.NewMemoryCursorStore(), logger)
		assigned, err := assignment.BalanceWorkload(context.Background(), balanceTenantID)
		if err != nil {
			return err
		}
		logger.Infof("Assigned %d leads for tenant %d", assigned, balanceTenantID)
		return nil
	},
}

func init() {
	balanceCmd.Flags().UintVar(&balanceTenantID, "tenant", 0, "tenant id")
	_ = balanceCmd.MarkFlagRequired("tenant")
	rootCmd.AddCommand(balanceCmd)
}
