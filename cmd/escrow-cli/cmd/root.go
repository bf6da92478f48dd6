package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"escrow-core/pkg/config"
	"escrow-core/pkg/database"
)

// rootCmd 代表基础命令，没有子命令时直接调用
var rootCmd = &cobra.Command{
	Use:   "escrow-cli",
	Short: "托管结算运维命令行工具",
	Long: `escrow-cli 是托管结算服务的运维工具。
用于查询回调事件处理状态、重放失败事件以及用流水核对托管状态。`,
}

// Execute 将所有子命令添加到根命令并设置标志
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// connectDB 按配置建立数据库连接，所有子命令共用
func connectDB() (*gorm.DB, error) {
	config.Init()
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		config.Global.DB.Host,
		config.Global.DB.User,
		config.Global.DB.Password,
		config.Global.DB.Name,
		config.Global.DB.Port,
	)
	return database.ConnectPostgres(dsn)
}
