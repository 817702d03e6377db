package broker

import "fmt"

// Redis key pattern helpers
//
// All keys are namespaced by the virtual host so several independent deployments
// can share one Redis server without seeing each other's queues.
//
// Key pattern: globals:{namespace}:{entity}:{name}[:{facet}]

// ExchangeKey returns the metadata hash key for an exchange.
// Pattern: globals:{namespace}:exchange:{exchange}
func ExchangeKey(namespace, exchange string) string {
	return fmt.Sprintf("globals:%s:exchange:%s", namespace, exchange)
}

// ExchangeRoutesKey returns the set of routing keys that have at least one binding.
// Pattern: globals:{namespace}:exchange:{exchange}:routes
func ExchangeRoutesKey(namespace, exchange string) string {
	return fmt.Sprintf("globals:%s:exchange:%s:routes", namespace, exchange)
}

// BindingKey returns the set of queue names bound under one routing key.
// Pattern: globals:{namespace}:exchange:{exchange}:route:{routing_key}
func BindingKey(namespace, exchange, routingKey string) string {
	return fmt.Sprintf("globals:%s:exchange:%s:route:%s", namespace, exchange, routingKey)
}

// QueueKey returns the metadata hash key for a queue.
// Pattern: globals:{namespace}:queue:{queue}
func QueueKey(namespace, queue string) string {
	return fmt.Sprintf("globals:%s:queue:%s", namespace, queue)
}

// QueueMessagesKey returns the list holding pending messages.
// Pattern: globals:{namespace}:queue:{queue}:messages
func QueueMessagesKey(namespace, queue string) string {
	return fmt.Sprintf("globals:%s:queue:%s:messages", namespace, queue)
}

// QueueConsumersKey returns the consumer registry ZSET (member=consumer id, score=deadline ms).
// Pattern: globals:{namespace}:queue:{queue}:consumers
func QueueConsumersKey(namespace, queue string) string {
	return fmt.Sprintf("globals:%s:queue:%s:consumers", namespace, queue)
}

// QueueBindingsKey returns the reverse index of a queue's bindings ("exchange\x1frouting_key").
// Pattern: globals:{namespace}:queue:{queue}:bindings
func QueueBindingsKey(namespace, queue string) string {
	return fmt.Sprintf("globals:%s:queue:%s:bindings", namespace, queue)
}

// QueueScanPattern matches the metadata key of every queue in a namespace.
func QueueScanPattern(namespace string) string {
	return fmt.Sprintf("globals:%s:queue:*", namespace)
}

// queueNameFromKey extracts the queue name from a metadata key, or "" for facet keys.
func queueNameFromKey(namespace, key string) string {
	prefix := fmt.Sprintf("globals:%s:queue:", namespace)
	if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
		return ""
	}
	name := key[len(prefix):]
	for _, facet := range []string{":messages", ":consumers", ":bindings"} {
		if len(name) > len(facet) && name[len(name)-len(facet):] == facet {
			return ""
		}
	}
	return name
}
