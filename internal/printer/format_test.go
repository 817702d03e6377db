package printer

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/globals/pkg/broker"
)

func TestFormatQueues(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		var buf bytes.Buffer
		n := FormatQueues(&buf, nil, "/")
		assert.Equal(t, 0, n)
		assert.Equal(t, "No queues found in vhost '/'\n", buf.String())
	})

	t.Run("rows", func(t *testing.T) {
		var buf bytes.Buffer
		queues := []broker.QueueInfo{
			{Name: "W.ctr.init", Consumers: 2, Options: broker.QueueOptions{AutoDelete: true, Expires: time.Second}},
			{Name: "W.ctr." + strings.Repeat("x", 60), Consumers: 1, Messages: 3},
		}
		n := FormatQueues(&buf, queues, "prod")
		assert.Equal(t, 2, n)

		out := buf.String()
		assert.Contains(t, out, "Queues in vhost 'prod':")
		assert.Contains(t, out, "QUEUE")
		assert.Contains(t, out, "W.ctr.init")
		assert.Contains(t, out, "1s")
		assert.Contains(t, out, "...", "long names are truncated")
		assert.Contains(t, out, "2 queues found")
	})
}

func TestFormatQueuesJSONL(t *testing.T) {
	var buf bytes.Buffer
	queues := []broker.QueueInfo{
		{Name: "a", Consumers: 1, Options: broker.QueueOptions{Expires: 1500 * time.Millisecond}},
		{Name: "b", Messages: 2},
	}
	require.NoError(t, FormatQueuesJSONL(&buf, queues))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "a", first["name"])
	assert.Equal(t, float64(1500), first["expires_ms"])
}

func TestFormatEvent(t *testing.T) {
	t.Run("tags and compact value", func(t *testing.T) {
		var buf bytes.Buffer
		FormatEvent(&buf, EventLine{
			World:   "W",
			Name:    "ctr",
			Value:   json.RawMessage("{\n  \"a\": 1\n}"),
			Initial: true,
			Default: true,
		})
		assert.Equal(t, "--:--:-- W.ctr = { \"a\": 1 } (initial, default)\n", buf.String())
	})

	t.Run("long value is truncated", func(t *testing.T) {
		var buf bytes.Buffer
		FormatEvent(&buf, EventLine{World: "W", Name: "n", Value: json.RawMessage(`"` + strings.Repeat("y", 100) + `"`)})
		assert.Contains(t, buf.String(), "...")
		assert.NotContains(t, buf.String(), "(")
	})

	t.Run("jsonl", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, FormatEventJSONL(&buf, EventLine{World: "W", Name: "n", Value: json.RawMessage("5"), FromSelf: true}))
		var decoded EventLine
		require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
		assert.Equal(t, json.RawMessage("5"), decoded.Value)
		assert.True(t, decoded.FromSelf)
	})
}

func TestJSONValue(t *testing.T) {
	assert.Equal(t, `{"a":1}`, string(JSONValue(map[string]any{"a": 1})))
	assert.Equal(t, "null", string(JSONValue(nil)))
	assert.Equal(t, `"(1+2i)"`, string(JSONValue(complex(1, 2))))
}
