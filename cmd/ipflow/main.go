package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sysmuse/ipflow/internal/cli"
	internal_http "github.com/sysmuse/ipflow/internal/http"
	"github.com/sysmuse/ipflow/pkg/service"
)

var rootCmd = &cobra.Command{Use: "ipflow"}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ipflow HTTP server",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := service.Config{
			Model:         viper.GetString("llm.model"),
			JobDelay:      viper.GetDuration("engine.job_delay"),
			RecoveryWait:  viper.GetDuration("engine.recovery_wait"),
			MaxIterations: viper.GetInt("engine.max_iterations"),
		}
		engine, cleanup, err := cli.NewEngine(
			viper.GetString("db"),
			viper.GetString("templates"),
			viper.GetString("llm.base_url"),
			viper.GetString("llm.api_key"),
			cfg,
		)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize engine: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()
		if err := internal_http.StartServer(viper.GetString("port"), engine); err != nil {
			fmt.Fprintf(os.Stderr, "Server failed: %v\n", err)
			os.Exit(1)
		}
	},
}

func main() {
	rootCmd.PersistentFlags().String("db", "", "Database connection string")
	rootCmd.PersistentFlags().String("templates", "", "Optional YAML file with prompt templates")
	serveCmd.Flags().String("port", "8080", "HTTP listen port")

	viper.SetDefault("port", "8080")
	viper.SetDefault("llm.base_url", "https://api.openai.com")
	viper.SetDefault("llm.model", "gpt-4o")
	viper.SetDefault("engine.job_delay", time.Second)
	viper.SetDefault("engine.recovery_wait", 5*time.Second)
	viper.SetDefault("engine.max_iterations", 1000)

	viper.SetEnvPrefix("IPFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("templates", rootCmd.PersistentFlags().Lookup("templates"))
	_ = viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))

	viper.SetConfigName("ipflow")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	_ = viper.ReadInConfig() // Config file is optional

	rootCmd.AddCommand(serveCmd)
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
