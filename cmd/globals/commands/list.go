package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/globals/internal/filter"
	"github.com/dyluth/globals/internal/printer"
	"github.com/dyluth/globals/internal/watch"
	"github.com/dyluth/globals/pkg/broker"
)

var (
	listAll     bool
	listMatch   string
	listJSONL   bool
	listTimeout time.Duration
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the broker queues backing Globals",
	Long: `List the queues the protocol keeps on the broker: one broadcast queue per
instance, one discovery queue per Global with holders, and short-lived
bootstrap reply queues.

Only queues of the selected world are shown unless --all is given.

Examples:
  globals list
  globals list --world Prod --jsonl

  # Discovery queues only, one per Global with holders
  globals list --match '*.init'`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func init() {
	listCmd.Flags().BoolVarP(&listAll, "all", "a", false, "Show queues of every world in the virtual host")
	listCmd.Flags().StringVarP(&listMatch, "match", "m", "", "Glob pattern for queue names")
	listCmd.Flags().BoolVar(&listJSONL, "jsonl", false, "Print queues as JSON lines")
	listCmd.Flags().DurationVarP(&listTimeout, "timeout", "t", 10*time.Second, "Give up after this long")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	ctx, cancel := withTimeout(cmd.Context(), listTimeout)
	defer cancel()

	redisOpts, err := env.cfg.RedisOptions()
	if err != nil {
		return err
	}
	br, err := broker.DialRedis(ctx, redisOpts, broker.RedisOptions{
		Namespace: env.cfg.Broker.VHost,
		Logger:    &env.log,
	})
	if err != nil {
		return printer.ErrorWithContext(
			"broker connection failed",
			err.Error(),
			map[string]string{"Broker": brokerAddress(), "VHost": env.cfg.Broker.VHost},
			[]string{"Check the broker is running and reachable"},
		)
	}
	defer br.Close()

	queues, err := br.ListQueues(ctx)
	if err != nil {
		return err
	}
	criteria := filter.Criteria{NameGlob: listMatch}
	if !listAll {
		criteria.World, _ = watch.Identity(env.cfg.Globals.World, "")
	}
	if criteria.HasFilters() {
		queues = criteria.Queues(queues)
	}

	if listJSONL {
		return printer.FormatQueuesJSONL(printer.Stdout, queues)
	}
	printer.FormatQueues(printer.Stdout, queues, env.cfg.Broker.VHost)
	return nil
}
