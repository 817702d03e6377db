package commands

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dyluth/globals/internal/filter"
	"github.com/dyluth/globals/internal/printer"
	"github.com/dyluth/globals/internal/watch"
)

var (
	watchDefault  string
	watchJSONL    bool
	watchRealOnly bool
)

var watchCmd = &cobra.Command{
	Use:   "watch NAME [NAME...]",
	Short: "Stream changes of one or more Globals",
	Long: `Join each named Global as a reader and print every change as it arrives,
starting with the value obtained at bootstrap.

Output Formats:
  default - One human-readable line per change, tagged initial/default/self
  jsonl   - Line-delimited JSON for programmatic processing

Examples:
  # Follow a counter
  globals watch counter

  # Follow several Globals in another world and export as JSON
  globals watch a b c --world Prod --jsonl > changes.jsonl`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchDefault, "default", "d", "null", "Default value (JSON) shown when no instance holds one")
	watchCmd.Flags().BoolVar(&watchRealOnly, "real", false, "Hide changes that carry a default value")
	watchCmd.Flags().BoolVar(&watchJSONL, "jsonl", false, "Print changes as JSON lines")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	def, err := parseValue(watchDefault)
	if err != nil {
		return printer.Error("invalid default", err.Error(), []string{"Pass a JSON value, e.g. --default 0"})
	}

	format := watch.OutputFormatDefault
	if watchJSONL {
		format = watch.OutputFormatJSONL
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session, err := newSession()
	if err != nil {
		return err
	}

	world := env.cfg.Globals.World
	err = watch.Stream(ctx, session, args, watch.Options{
		World:    world,
		Default:  def,
		Format:   format,
		Criteria: filter.Criteria{SkipDefault: watchRealOnly},
		Logger:   env.log,
	}, printer.Stdout, printer.Stderr)
	if err != nil {
		return connectError(world, args[0], err)
	}
	return nil
}
