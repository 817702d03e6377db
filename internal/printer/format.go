package printer

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dyluth/globals/pkg/broker"
)

// EventLine is the printable form of one observed change.
type EventLine struct {
	World     string          `json:"world"`
	Name      string          `json:"name"`
	Value     json.RawMessage `json:"value"`
	Initial   bool            `json:"initial"`
	Default   bool            `json:"default"`
	FromSelf  bool            `json:"from_self"`
	Timestamp time.Time       `json:"timestamp"`
}

// FormatQueues writes broker queues as a table and returns the number of rows.
func FormatQueues(w io.Writer, queues []broker.QueueInfo, vhost string) int {
	if len(queues) == 0 {
		fmt.Fprintf(w, "No queues found in vhost '%s'\n", vhost)
		return 0
	}

	fmt.Fprintf(w, "Queues in vhost '%s':\n\n", vhost)

	fmt.Fprintf(w, "%-48s %-9s %-8s %-6s %s\n", "QUEUE", "CONSUMERS", "MESSAGES", "AUTO", "EXPIRES")
	fmt.Fprintf(w, "%-48s %-9s %-8s %-6s %s\n",
		strings.Repeat("-", 48), "---------", "--------", "------", "-------")

	for _, q := range queues {
		fmt.Fprintf(w, "%-48s %-9d %-8d %-6s %s\n",
			formatQueueName(q.Name),
			q.Consumers,
			q.Messages,
			formatBool(q.Options.AutoDelete),
			formatExpires(q.Options.Expires),
		)
	}

	noun := "queue"
	if len(queues) != 1 {
		noun = "queues"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(queues), noun)

	return len(queues)
}

// FormatQueuesJSONL writes one JSON object per queue.
func FormatQueuesJSONL(w io.Writer, queues []broker.QueueInfo) error {
	for _, q := range queues {
		data, err := json.Marshal(struct {
			Name       string `json:"name"`
			Consumers  int    `json:"consumers"`
			Messages   int    `json:"messages"`
			AutoDelete bool   `json:"auto_delete"`
			ExpiresMs  int64  `json:"expires_ms"`
		}{q.Name, q.Consumers, q.Messages, q.Options.AutoDelete, q.Options.Expires.Milliseconds()})
		if err != nil {
			return fmt.Errorf("failed to marshal queue to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// FormatEvent writes a change as one human-readable line.
func FormatEvent(w io.Writer, e EventLine) {
	var tags []string
	if e.Initial {
		tags = append(tags, "initial")
	}
	if e.Default {
		tags = append(tags, "default")
	}
	if e.FromSelf {
		tags = append(tags, "self")
	}

	line := fmt.Sprintf("%s %s.%s = %s", formatClock(e.Timestamp), e.World, e.Name, formatValue(e.Value))
	if len(tags) > 0 {
		line += " (" + strings.Join(tags, ", ") + ")"
	}
	fmt.Fprintln(w, line)
}

// FormatEventJSONL writes a change as a single JSON line.
func FormatEventJSONL(w io.Writer, e EventLine) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event to JSON: %w", err)
	}
	if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
		return fmt.Errorf("failed to write JSONL output: %w", err)
	}
	return nil
}

// formatQueueName keeps long generated names (which end in an instance ID) readable.
func formatQueueName(name string) string {
	if len(name) > 48 {
		return name[:45] + "..."
	}
	return name
}

func formatBool(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func formatExpires(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.String()
}

func formatClock(t time.Time) string {
	if t.IsZero() {
		return "--:--:--"
	}
	return t.Local().Format("15:04:05")
}

// formatValue compacts a JSON value to one line, truncated at 60 characters.
func formatValue(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	v := strings.Join(strings.Fields(string(raw)), " ")
	if len(v) > 60 {
		return v[:57] + "..."
	}
	return v
}

// JSONValue renders a decoded value as compact JSON. Values JSON cannot represent
// are rendered as strings.
func JSONValue(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		quoted, _ := json.Marshal(fmt.Sprintf("%v", v))
		return quoted
	}
	return data
}
