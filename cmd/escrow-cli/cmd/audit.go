package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"escrow-core/internal/service/settlement"
)

// auditCmd 用流水重放核对托管持有状态
var auditCmd = &cobra.Command{
	Use:   "audit <escrow_id>",
	Short: "用流水重放核对托管的持有状态",
	Long: `只读流水表 (ledger_transactions)，按落账顺序重放出托管的持有状态，
与当前数据库状态对照。重放结果不一致说明存在脏写，需要人工排查。`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		escrowID, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid escrow id: %w", err)
		}

		db, err := connectDB()
		if err != nil {
			return err
		}
		engine := settlement.NewEngine(db, settlement.Config{})

		ctx := context.Background()
		replayed, err := engine.ReconstructHoldingStatus(ctx, escrowID)
		if err != nil {
			return err
		}
		escrow, err := engine.GetEscrow(ctx, escrowID)
		if err != nil {
			return err
		}

		fmt.Printf("托管 #%d\n", escrowID)
		fmt.Printf("  当前状态:   %s\n", escrow.Status)
		fmt.Printf("  重放持有态: %s\n", replayed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(auditCmd)
}
