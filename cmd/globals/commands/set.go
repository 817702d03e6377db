package commands

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/globals/internal/printer"
	"github.com/dyluth/globals/pkg/globals"
)

var (
	setTimeout time.Duration
	setHold    bool
)

var setCmd = &cobra.Command{
	Use:   "set NAME VALUE",
	Short: "Broadcast a new value for a Global",
	Long: `Join a Global as a writer and broadcast VALUE to every instance.

VALUE is parsed as JSON; anything that is not valid JSON is sent as a string.
Without --hold the command leaves as soon as the value is published, so the
value survives only in the instances that are still running. With --hold it
keeps serving the value to joiners until interrupted.

Examples:
  # Set a number
  globals set counter 42

  # Set an object and keep serving it
  globals set config '{"mode":"fast"}' --hold`,
	Args: cobra.ExactArgs(2),
	RunE: runSet,
}

func init() {
	setCmd.Flags().DurationVarP(&setTimeout, "timeout", "t", 30*time.Second, "Give up joining after this long (0 = wait forever)")
	setCmd.Flags().BoolVar(&setHold, "hold", false, "Keep holding the value until interrupted")
	rootCmd.AddCommand(setCmd)
}

func runSet(cmd *cobra.Command, args []string) error {
	world, name := env.cfg.Globals.World, args[0]

	value, err := parseValue(args[1])
	if err != nil {
		return printer.Error("invalid value", err.Error(), nil)
	}

	ctx, cancel := withTimeout(cmd.Context(), setTimeout)
	defer cancel()

	session, err := newSession()
	if err != nil {
		return err
	}
	global, err := globals.New[any](ctx, session, world, name, nil)
	if err != nil {
		return connectError(world, name, err)
	}
	defer global.Close()

	if err := global.Set(ctx, value); err != nil {
		return printer.ErrorWithContext(
			"failed to set global",
			err.Error(),
			map[string]string{"Global": global.World() + "." + global.Name(), "Broker": brokerAddress()},
			nil,
		)
	}
	printer.Success("Set %s.%s = %s\n", global.World(), global.Name(), printer.JSONValue(value))

	if !setHold {
		return nil
	}

	printer.Step("Holding %s.%s, press Ctrl+C to release\n", global.World(), global.Name())
	holdCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-holdCtx.Done()
	return nil
}
