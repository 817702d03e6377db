package broker

import (
	"fmt"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Serialization helpers for storing messages and queue metadata in Redis.
//
// Messages are stored as msgpack blobs inside the queue list. Queue metadata is a
// Redis hash of plain strings so it stays readable with redis-cli.

// EncodeMessage converts a message to its stored msgpack form.
func EncodeMessage(m Message) ([]byte, error) {
	raw, err := msgpack.Marshal(&m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return raw, nil
}

// DecodeMessage converts a stored msgpack blob back to a message.
func DecodeMessage(raw []byte) (Message, error) {
	var m Message
	if err := msgpack.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return m, nil
}

// QueueOptionsToHash converts queue options to the Redis hash layout.
func QueueOptionsToHash(opts QueueOptions) map[string]interface{} {
	return map[string]interface{}{
		"durable":     strconv.FormatBool(opts.Durable),
		"auto_delete": strconv.FormatBool(opts.AutoDelete),
		"expires_ms":  strconv.FormatInt(opts.Expires.Milliseconds(), 10),
	}
}

// HashToQueueOptions converts a Redis hash back to queue options.
// Missing or malformed fields fall back to zero values.
func HashToQueueOptions(hash map[string]string) QueueOptions {
	durable, _ := strconv.ParseBool(hash["durable"])
	autoDelete, _ := strconv.ParseBool(hash["auto_delete"])
	expiresMs, _ := strconv.ParseInt(hash["expires_ms"], 10, 64)

	return QueueOptions{
		Durable:    durable,
		AutoDelete: autoDelete,
		Expires:    time.Duration(expiresMs) * time.Millisecond,
	}
}

// ExchangeOptionsToHash converts exchange options to the Redis hash layout.
func ExchangeOptionsToHash(opts ExchangeOptions) map[string]interface{} {
	return map[string]interface{}{
		"type":        "direct",
		"durable":     strconv.FormatBool(opts.Durable),
		"auto_delete": strconv.FormatBool(opts.AutoDelete),
	}
}

// bindingSeparator splits exchange and routing key in a queue's reverse binding index.
// The Lua scripts use string.char(31) for the same byte.
const bindingSeparator = "\x1f"

// bindingMember encodes one binding in a queue's reverse index.
func bindingMember(exchange, routingKey string) string {
	return exchange + bindingSeparator + routingKey
}
