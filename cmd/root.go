// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-review/internal/config"
	"github.com/xkilldash9x/scalpel-review/internal/observability"
)

const envPrefix = "SCALPEL_REVIEW"

// app carries state shared by the commands of one root command instance.
type app struct {
	cfgFile string
	v       *viper.Viper
	cfg     *config.Config
	logger  *zap.Logger
}

// NewRootCommand builds a fresh command tree. Each call gets its own viper
// instance so flags never leak between executions.
func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:   "scalpel-review",
		Short: "Scalpel Review runs AI code-review engines behind a local cache and secret gate.",
		// Version is set at build time. See cmd/version.go.
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "override logger.level")
	rootCmd.SetVersionTemplate(`{{printf "scalpel-review version %s\n" .Version}}`)

	rootCmd.AddCommand(
		newAnalyzeCmd(a),
		newDetectCmd(a),
		newScanSecretsCmd(a),
		newCacheCmd(a),
		newServeCmd(a),
		newVersionCmd(),
	)
	return rootCmd
}

// ExecuteCommand runs rootCmd and reports any failure on its error stream.
func ExecuteCommand(ctx context.Context, rootCmd *cobra.Command) error {
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		observability.GetLogger().Info("Command aborted")
		return err
	}
	fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
	return err
}

// load reads configuration and initializes logging before any command runs.
func (a *app) load(cmd *cobra.Command) error {
	if err := initializeConfig(a.v, a.cfgFile); err != nil {
		return err
	}
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		a.v.Set("logger.level", f.Value.String())
	}

	cfg, err := config.NewConfigFromViper(a.v)
	if err != nil {
		// Keep a logger available for the error path.
		observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "scalpel-review"})
		return err
	}
	a.cfg = cfg

	observability.InitializeLogger(cfg.Logger)
	a.logger = observability.GetLogger()
	a.logger.Debug("Configuration loaded",
		zap.String("version", Version),
		zap.String("config_file", a.v.ConfigFileUsed()),
		zap.Strings("engines", cfg.EngineNames()),
	)
	return nil
}

// initializeConfig reads in config file and ENV variables if set.
func initializeConfig(v *viper.Viper, cfgFile string) error {
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || cfgFile != "" {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; proceed with defaults and env vars.
	}
	return nil
}

// bindFlag maps a command flag onto a viper key so it overrides file and env values.
func (a *app) bindFlag(cmd *cobra.Command, key, flag string) error {
	if err := a.v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		return fmt.Errorf("failed to bind flag %s: %w", flag, err)
	}
	return nil
}

