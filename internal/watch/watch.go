// Package watch streams changes of Globals to a writer.
package watch

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dyluth/globals/internal/filter"
	"github.com/dyluth/globals/internal/printer"
	"github.com/dyluth/globals/pkg/globals"
)

// OutputFormat selects how events are written.
type OutputFormat string

const (
	OutputFormatDefault OutputFormat = "default"
	OutputFormatJSONL   OutputFormat = "jsonl"
)

// Options configure a stream.
type Options struct {
	World    string
	Default  any // Value shown when no instance holds one
	Format   OutputFormat
	Criteria filter.Criteria
	Logger   zerolog.Logger
}

// Stream joins every named Global as a reader and writes each change to w until ctx
// is cancelled. The value obtained at bootstrap is the first event of each Global.
// Handler and decode failures are written as warnings to errOut.
func Stream(ctx context.Context, s *globals.Session, names []string, opts Options, w, errOut io.Writer) error {
	if len(names) == 0 {
		return fmt.Errorf("no globals to watch")
	}

	var mu sync.Mutex
	emit := func(line printer.EventLine) {
		if !opts.Criteria.MatchesEvent(line) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if opts.Format == OutputFormatJSONL {
			if err := printer.FormatEventJSONL(w, line); err != nil {
				opts.Logger.Error().Err(err).Msg("failed to write event")
			}
			return
		}
		printer.FormatEvent(w, line)
	}

	var readers []*globals.Reader[any]
	defer func() {
		for _, r := range readers {
			if err := r.Close(); err != nil {
				opts.Logger.Warn().Err(err).Str("global", r.World()+"."+r.Name()).Msg("failed to close reader")
			}
		}
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, name := range names {
		world, n := Identity(opts.World, name)
		// Passed at construction so the bootstrap value is observed.
		show := func(ev globals.Event[any]) { emit(Line(world, n, ev)) }

		r, err := globals.NewReader[any](ctx, s, opts.World, name, opts.Default, show)
		if err != nil {
			return err
		}
		readers = append(readers, r)

		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case err := <-r.Errors():
					mu.Lock()
					fmt.Fprintf(errOut, "warning: %v\n", err)
					mu.Unlock()
				}
			}
		}()
	}

	<-ctx.Done()
	return nil
}

// Identity mirrors how a Reader normalises its world and name.
func Identity(world, name string) (string, string) {
	world = strings.TrimSpace(world)
	if world == "" {
		world = globals.DefaultWorld
	}
	return world, strings.TrimSpace(name)
}

// Line converts a change event to its printable form.
func Line(world, name string, ev globals.Event[any]) printer.EventLine {
	return printer.EventLine{
		World:     world,
		Name:      name,
		Value:     printer.JSONValue(ev.Data),
		Initial:   ev.Initial,
		Default:   ev.Default,
		FromSelf:  ev.FromSelf,
		Timestamp: ev.Timestamp,
	}
}
