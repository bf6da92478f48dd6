package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"escrow-core/internal/service/webhook"
)

// failedCmd 列出终态失败的回调事件
var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "列出终态失败的回调事件",
	Long:  `列出所有进入 FAILED 状态、等待人工介入的回调事件。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := connectDB()
		if err != nil {
			return err
		}
		store := webhook.NewGormStore(db)

		events, err := store.ListFailed(context.Background(), 100)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Println("没有失败事件")
			return nil
		}
		for _, evt := range events {
			fmt.Printf("%-6d %-12s %-40s retries=%d escrow=%d\n  error: %s\n",
				evt.ID, evt.Provider, evt.ExternalEventID, evt.RetryCount, evt.ReferenceID, evt.LastError)
		}
		return nil
	},
}

// statusCmd 查询单个事件的处理状态
var statusCmd = &cobra.Command{
	Use:   "status <provider> <event_id>",
	Short: "查询回调事件的处理状态",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := connectDB()
		if err != nil {
			return err
		}
		store := webhook.NewGormStore(db)

		evt, err := store.FindByExternalID(context.Background(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("事件 #%d\n", evt.ID)
		fmt.Printf("  provider:  %s\n", evt.Provider)
		fmt.Printf("  event_id:  %s\n", evt.ExternalEventID)
		fmt.Printf("  type:      %s\n", evt.EventType)
		fmt.Printf("  escrow:    %d\n", evt.ReferenceID)
		fmt.Printf("  amount:    %s %s\n", evt.ReceivedAmount, evt.Currency)
		fmt.Printf("  status:    %s (retries=%d)\n", evt.Status, evt.RetryCount)
		if evt.NextRetryAt != nil {
			fmt.Printf("  next_retry: %s\n", evt.NextRetryAt)
		}
		if evt.LastError != "" {
			fmt.Printf("  last_error: %s\n", evt.LastError)
		}
		return nil
	},
}

// requeueCmd 把 FAILED 事件重新放回队列
var requeueCmd = &cobra.Command{
	Use:   "requeue <provider> <event_id>",
	Short: "把失败事件重新放回重试队列",
	Long:  `人工修复问题后，把 FAILED 状态的事件重置为 RECEIVED，重试预算清零。`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := connectDB()
		if err != nil {
			return err
		}
		store := webhook.NewGormStore(db)

		if err := store.Requeue(context.Background(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("事件 %s/%s 已重新入队\n", args[0], args[1])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(failedCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(requeueCmd)
}
