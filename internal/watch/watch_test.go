package watch

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/globals/internal/filter"
	"github.com/dyluth/globals/internal/printer"
	"github.com/dyluth/globals/pkg/broker"
	"github.com/dyluth/globals/pkg/broker/memory"
	"github.com/dyluth/globals/pkg/globals"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func session(hub *memory.Hub) *globals.Session {
	return globals.NewSession(func(context.Context) (broker.Broker, error) {
		return hub.Connect(), nil
	})
}

// startStream runs Stream in the background and returns a stop function that
// waits for it to return.
func startStream(t *testing.T, s *globals.Session, names []string, opts Options, out, errOut *syncBuffer) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Stream(ctx, s, names, opts, out, errOut) }()

	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("stream did not stop")
			return nil
		}
	}
}

func TestStream(t *testing.T) {
	hub := memory.NewHub()
	ctx := context.Background()

	g, err := globals.New(ctx, session(hub), "W", "ctr", 0)
	require.NoError(t, err)
	defer g.Close()
	require.NoError(t, g.Set(ctx, 1))

	var out, errOut syncBuffer
	stop := startStream(t, session(hub), []string{"ctr", "fresh"}, Options{World: "W", Default: "none"}, &out, &errOut)

	assert.Eventually(t, func() bool {
		s := out.String()
		return strings.Contains(s, "W.ctr = 1 (initial)") &&
			strings.Contains(s, `W.fresh = "none" (initial, default, self)`)
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, g.Set(ctx, 2))
	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "W.ctr = 2\n")
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, stop())
	assert.Empty(t, errOut.String())
	assert.ElementsMatch(t, []string{globals.DiscoveryQueueName("W", "ctr"), globals.BroadcastQueueName("W", "ctr", g.ID())},
		hub.Queues(), "stream readers are released")
}

func TestStreamJSONLWithFilter(t *testing.T) {
	hub := memory.NewHub()
	ctx := context.Background()

	var out, errOut syncBuffer
	stop := startStream(t, session(hub), []string{"flag"}, Options{
		World:    "W",
		Default:  false,
		Format:   OutputFormatJSONL,
		Criteria: filter.Criteria{SkipDefault: true},
	}, &out, &errOut)

	// Let the stream bootstrap first.
	assert.Eventually(t, func() bool {
		return len(hub.Queues()) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	g, err := globals.New(ctx, session(hub), "W", "flag", false)
	require.NoError(t, err)
	defer g.Close()
	require.NoError(t, g.Set(ctx, true))

	assert.Eventually(t, func() bool {
		return strings.Count(out.String(), "\n") >= 1
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 1, "the default event is filtered out")

	var line printer.EventLine
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &line))
	assert.Equal(t, "flag", line.Name)
	assert.Equal(t, json.RawMessage("true"), line.Value)
	assert.False(t, line.Default)
}

func TestStreamErrors(t *testing.T) {
	hub := memory.NewHub()

	t.Run("no names", func(t *testing.T) {
		err := Stream(context.Background(), session(hub), nil, Options{}, &bytes.Buffer{}, &bytes.Buffer{})
		require.Error(t, err)
	})

	t.Run("invalid name", func(t *testing.T) {
		err := Stream(context.Background(), session(hub), []string{" "}, Options{}, &bytes.Buffer{}, &bytes.Buffer{})
		require.ErrorIs(t, err, globals.ErrInvalidName)
	})

	t.Run("undecodable broadcast is reported", func(t *testing.T) {
		var out, errOut syncBuffer
		stop := startStream(t, session(hub), []string{"n"}, Options{World: "W"}, &out, &errOut)

		assert.Eventually(t, func() bool {
			return strings.Contains(out.String(), "W.n = null")
		}, 2*time.Second, 10*time.Millisecond)

		pub := hub.Connect()
		require.NoError(t, pub.Publish(context.Background(), globals.ExchangeName, globals.RoutingKey("W", "n"), broker.Message{
			ContentType: "application/json",
			Body:        []byte("{not json"),
		}))

		assert.Eventually(t, func() bool {
			return strings.Contains(errOut.String(), "warning:")
		}, 2*time.Second, 10*time.Millisecond)
		require.NoError(t, stop())
	})
}

func TestIdentity(t *testing.T) {
	w, n := Identity("", " ctr ")
	assert.Equal(t, globals.DefaultWorld, w)
	assert.Equal(t, "ctr", n)

	w, n = Identity(" Prod ", "x")
	assert.Equal(t, "Prod", w)
	assert.Equal(t, "x", n)
}
