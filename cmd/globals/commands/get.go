package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/globals/internal/printer"
	"github.com/dyluth/globals/pkg/globals"
)

var (
	getDefault  string
	getRealOnly bool
	getTimeout  time.Duration
	getJSONL    bool
)

var getCmd = &cobra.Command{
	Use:   "get NAME",
	Short: "Print the current value of a Global",
	Long: `Join a Global as a reader and print its value once bootstrapped.

When no instance holds a value the default (--default, JSON) is printed,
unless --real is given, in which case the command waits for a writer.

Examples:
  # Read a counter in the default world
  globals get counter

  # Read from another world, falling back to 0
  globals get counter --world Prod --default 0

  # Block until someone sets a real value
  globals get ready --real --timeout 1m`,
	Args: cobra.ExactArgs(1),
	RunE: runGet,
}

func init() {
	getCmd.Flags().StringVarP(&getDefault, "default", "d", "null", "Default value (JSON) used when no instance holds one")
	getCmd.Flags().BoolVar(&getRealOnly, "real", false, "Wait for a value set by a writer instead of accepting the default")
	getCmd.Flags().DurationVarP(&getTimeout, "timeout", "t", 30*time.Second, "Give up after this long (0 = wait forever)")
	getCmd.Flags().BoolVar(&getJSONL, "jsonl", false, "Print the result as a JSON line with its metadata")
	rootCmd.AddCommand(getCmd)
}

func runGet(cmd *cobra.Command, args []string) error {
	world, name := env.cfg.Globals.World, args[0]

	def, err := parseValue(getDefault)
	if err != nil {
		return printer.Error("invalid default", err.Error(), []string{"Pass a JSON value, e.g. --default 0"})
	}

	ctx, cancel := withTimeout(cmd.Context(), getTimeout)
	defer cancel()

	session, err := newSession()
	if err != nil {
		return err
	}
	reader, err := globals.NewReader[any](ctx, session, world, name, def)
	if err != nil {
		return connectError(world, name, err)
	}
	defer reader.Close()

	if getRealOnly {
		_, err = reader.WaitForRealValue(ctx)
	} else {
		_, err = reader.Get(ctx)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return printer.Error(
				"timed out",
				fmt.Sprintf("No value for %s.%s within %s", reader.World(), reader.Name(), getTimeout),
				[]string{"Increase --timeout, or drop --real to accept the default"},
			)
		}
		return err
	}

	line := printer.EventLine{
		World:   reader.World(),
		Name:    reader.Name(),
		Value:   printer.JSONValue(reader.Value()),
		Default: reader.IsDefault(),
		Initial: true,
	}
	if getJSONL {
		return printer.FormatEventJSONL(printer.Stdout, line)
	}
	printer.Println(string(line.Value))
	return nil
}
