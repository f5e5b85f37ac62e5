package cmd

import (
	"fmt"
	"os"

	"github.com/endorses/sslkeylog/cmd/dial"
	"github.com/endorses/sslkeylog/cmd/serve"
	"github.com/endorses/sslkeylog/cmd/watch"
	"github.com/endorses/sslkeylog/internal/pkg/logger"
	"github.com/endorses/sslkeylog/internal/pkg/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "sslkeylog",
	Short: "sslkeylog extracts TLS session secrets",
	Long: fmt.Sprintf("sslkeylog %s - TLS secret extraction and key log tooling\n\n%s", version.GetVersion(),
		"Key log lines use the NSS format read by Wireshark (SSLKEYLOGFILE)."),
	Version:      version.GetFullVersion(),
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func addSubCommands(root *cobra.Command) {
	root.AddCommand(dial.DialCmd)
	root.AddCommand(serve.ServeCmd)
	root.AddCommand(watch.WatchCmd)
}

func init() {
	cobra.OnInitialize(initConfig)

	// Initialize structured logging
	logger.Initialize()

	addSubCommands(rootCmd)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/sslkeylog/config.yaml)")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Priority order for config files:
		// 1. ~/.config/sslkeylog/config.yaml
		// 2. ~/.config/sslkeylog.yaml
		viper.AddConfigPath(home + "/.config/sslkeylog")
		viper.AddConfigPath(home + "/.config")
		viper.SetConfigType("yaml")

		viper.SetConfigName("config")
		if err := viper.ReadInConfig(); err != nil {
			viper.SetConfigName("sslkeylog")
		}
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
