package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dyluth/globals/internal/config"
	"github.com/dyluth/globals/internal/logging"
	"github.com/dyluth/globals/internal/printer"
	"github.com/dyluth/globals/pkg/globals"
)

var (
	version string
	commit  string
	date    string
)

var (
	configPath string
	worldFlag  string
	logLevel   string
)

// env is prepared by the root command before any subcommand runs.
var env struct {
	cfg *config.Config
	log zerolog.Logger
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "globals",
	Short: "globals - inspect and change distributed shared variables",
	Long: `globals talks to the broker behind a set of Globals: named values shared
by every process that declares them, replicated over publish/subscribe.

Each command joins the protocol as a regular instance, so reading a value
bootstraps it from the current holders and writing one broadcasts it to all
of them.`,
	Version:           version,
	PersistentPreRunE: prepare,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to globals.yml or globals.toml (defaults only if omitted)")
	rootCmd.PersistentFlags().StringVarP(&worldFlag, "world", "w", "", "World the Globals live in (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: trace, debug, info, warn, error, off")
}

func prepare(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return printer.Error(
			"configuration error",
			err.Error(),
			[]string{"Check the file passed with --config and the GLOBALS_* environment variables"},
		)
	}
	if worldFlag != "" {
		cfg.Globals.World = worldFlag
	}

	logCfg := logging.FromEnv(logging.DefaultConfig())
	if logLevel != "" {
		lvl, ok := logging.ParseLevel(logLevel)
		if !ok {
			return printer.Error(
				"invalid log level",
				fmt.Sprintf("Unknown level: %s", logLevel),
				[]string{"Valid levels: trace, debug, info, warn, error, off"},
			)
		}
		logCfg.Level = lvl
	}

	env.cfg = cfg
	env.log = logging.New(os.Stderr, "globals", logCfg)
	return nil
}

// newSession opens a session against the configured broker.
func newSession() (*globals.Session, error) {
	redisOpts, err := env.cfg.RedisOptions()
	if err != nil {
		return nil, err
	}
	opts := append(env.cfg.SessionOptions(), globals.WithLogger(env.log))
	return globals.NewRedisSession(redisOpts, env.cfg.Broker.VHost, opts...), nil
}

// brokerAddress renders the broker endpoint for error context.
func brokerAddress() string {
	if env.cfg.Broker.URL != "" {
		return env.cfg.Broker.URL
	}
	return fmt.Sprintf("%s:%d", env.cfg.Broker.Host, env.cfg.Broker.Port)
}

// connectError explains a failure to join the protocol.
func connectError(world, name string, err error) error {
	return printer.ErrorWithContext(
		"failed to open global",
		err.Error(),
		map[string]string{
			"Global": world + "." + name,
			"Broker": brokerAddress(),
			"VHost":  env.cfg.Broker.VHost,
		},
		[]string{
			"Check the broker is running and reachable",
			"Override the endpoint with GLOBALS_REDIS_URL or --config",
		},
	)
}

// withTimeout bounds ctx when d is positive.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
