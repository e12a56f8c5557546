package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.od2.network/orgqueue/cmd/admin"
	"go.od2.network/orgqueue/cmd/providers"
	"go.od2.network/orgqueue/cmd/server"
	"go.od2.network/orgqueue/cmd/worker"
	"go.uber.org/zap"
)

var rootCmd = cobra.Command{
	Use:   "orgqueue",
	Short: "Multi-tenant job queue",

	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var logConfig zap.Config
		if devMode {
			logConfig = zap.NewDevelopmentConfig()
		} else {
			logConfig = zap.NewProductionConfig()
		}
		var err error
		providers.Log, err = logConfig.Build()
		if err != nil {
			panic("failed to build logger: " + err.Error())
		}
		if configFile != "" {
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				providers.Log.Fatal("Failed to read config", zap.String("config", configFile), zap.Error(err))
			}
		}
	},
}

var devMode bool
var configFile string

func init() {
	persistentFlags := rootCmd.PersistentFlags()
	persistentFlags.BoolVar(&devMode, "dev", false, "Dev mode")
	persistentFlags.StringVarP(&configFile, "config", "c", "", "Config file")

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.SetEnvPrefix("orgqueue")
	viper.AutomaticEnv()

	rootCmd.AddCommand(
		&worker.Cmd,
		&server.Cmd,
		&admin.Cmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
