package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-chat/backend/internal/config"
)

var (
	flagServer string
	flagUser   string
	flagStore  string
	flagConfig string
)

var rootCmd = &cobra.Command{
	Use:   "zchat",
	Short: "Terminal client for Z Chat with offline delivery",
	Long: `zchat keeps unsent messages in a local store, replays them in order
once the connection comes back and mirrors changes made from other sessions.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVarP(&flagServer, "server", "s", "", "server base URL (overrides CHAT_SERVER_URL)")
	rootCmd.PersistentFlags().StringVarP(&flagUser, "user", "u", "", "user id (overrides CHAT_USER_ID)")
	rootCmd.PersistentFlags().StringVar(&flagStore, "store", "", "pending store directory (overrides CHAT_PENDING_PATH)")
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "TOML config file; environment variables take precedence")
}

// loadConfig 读取 .env、配置文件与环境变量，命令行参数优先。
func loadConfig() (*config.ClientConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
	}
	if flagUser != "" {
		os.Setenv("CHAT_USER_ID", flagUser)
	}
	if flagServer != "" {
		os.Setenv("CHAT_SERVER_URL", flagServer)
	}
	if flagStore != "" {
		os.Setenv("CHAT_PENDING_PATH", flagStore)
	}
	return config.LoadClient(flagConfig)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
