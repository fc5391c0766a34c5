package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ctfleet/internal/config"
)

var cfgFile string
var rootLog zerolog.Logger

var rootCmd = &cobra.Command{
	Use:   "ctfleet",
	Short: "Fleet-wide Certificate Transparency log monitor",
	Long: `ctfleet polls the set of public Certificate Transparency logs,
parses each new leaf, matches it against a watchlist of domains, hosts,
IPs and CIDR ranges, and fans matches out to the configured sinks.`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command with log as the process-wide logger.
func Execute(log zerolog.Logger) error {
	rootLog = log
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.ctfleet.yaml)")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable verbose (debug-level) logging")
	rootCmd.PersistentFlags().String("output", "json", "output format for the stdout sink (json, table)")

	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))

	config.SetDefaults(viper.GetViper())
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath("/etc/ctfleet/")
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".ctfleet")
	}

	viper.SetEnvPrefix("CTFLEET")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "using config file:", viper.ConfigFileUsed())
		}
	}

	if viper.GetBool("verbose") {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		rootLog = rootLog.Level(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
