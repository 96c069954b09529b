package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"syncstress/internal/banner"
	"syncstress/internal/logging"
)

var (
	cfgFile string

	// exitCode is set by commands that map an outcome to a process status.
	exitCode int
)

var rootCmd = &cobra.Command{
	Use:   "syncstress",
	Short: "syncstress - load and consistency checks for key/value stores",
	Long: `
syncstress drives a closed-loop population of virtual users against an HTTP
key/value store. Every user writes keys it owns and reads them back, so each
read can be judged fresh, stale within tolerance, or a consistency violation.

Commands:
1. run:     execute a load test and print the report
2. sim:     serve a simulated store with tunable caching and faults
3. history: list or show stored runs`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	// Custom Help with Banner
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		fmt.Println(banner.GetString())
		cmd.Usage()
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.syncstress.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "console", "Log format: console or json")
	rootCmd.PersistentFlags().String("log-file", "", "Write logs to this file instead of stderr")

	bindFlag("log.level", rootCmd.PersistentFlags(), "log-level")
	bindFlag("log.format", rootCmd.PersistentFlags(), "log-format")
	bindFlag("log.file", rootCmd.PersistentFlags(), "log-file")

	rootCmd.AddCommand(runCmd, simCmd, historyCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigType("yaml")
			viper.SetConfigName(".syncstress")
		}
	}
	viper.SetEnvPrefix("SYNCSTRESS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// A missing default file is fine; an explicit one must load.
		if cfgFile != "" {
			fmt.Fprintf(os.Stderr, "config %s: %v\n", cfgFile, err)
		}
	}
}

func newLogger() (*zap.Logger, error) {
	return logging.New(logging.Options{
		Level:  viper.GetString("log.level"),
		Format: viper.GetString("log.format"),
		File:   viper.GetString("log.file"),
	})
}

// bindFlag ties a viper key to a flag so the flag, SYNCSTRESS_* env vars and
// the config file all feed the same setting.
func bindFlag(key string, flags *pflag.FlagSet, name string) {
	if err := viper.BindPFlag(key, flags.Lookup(name)); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", name, err))
	}
}
