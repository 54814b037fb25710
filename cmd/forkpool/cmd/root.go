package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/forkpool/internal/config"
	"github.com/psantana5/forkpool/pkg/logging"
)

var (
	cfgFile string
	v       = config.NewViper()
)

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "forkpool",
	Short: "Pre-forked worker pool sharing one listening socket",
	Long: `forkpool binds a single listening socket and runs a fixed pool of worker
processes that accept connections from it. Crashed workers are replaced; on
SIGINT, SIGQUIT or SIGTERM the pool drains and the supervisor exits with the
workers' exit status.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./forkpool.yaml, $HOME/.forkpool/config.yaml or /etc/forkpool/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("log-json", false, "log in JSON lines")

	v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	v.BindPFlag("log.json", rootCmd.PersistentFlags().Lookup("log-json"))
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("forkpool")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".forkpool"))
		}
		v.AddConfigPath("/etc/forkpool")
	}
}

// loadConfig reads the config file, if any, and decodes the result.
func loadConfig() (*config.Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return config.Load(v)
}

// newLogger builds the logger for a process role. With log.file set it also
// writes under the per-role log directory.
func newLogger(cfg *config.Config, role, name string) *logging.Logger {
	level := logging.ParseLevel(cfg.Log.Level)
	if cfg.Log.File {
		logger, err := logging.NewFileLogger(role, name, level, cfg.Log.JSON)
		if err == nil {
			return logger.WithComponent(role)
		}
		fmt.Fprintf(os.Stderr, "Warning: file logging disabled: %v\n", err)
	}
	return logging.NewLogger(level, cfg.Log.JSON).WithComponent(role)
}

// bindFlags binds config keys to cmd's flags.
func bindFlags(cmd *cobra.Command, keys map[string]string) error {
	for key, name := range keys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return err
		}
	}
	return nil
}
