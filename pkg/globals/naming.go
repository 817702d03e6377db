package globals

import (
	"fmt"
	"strings"
	"time"

	"github.com/dyluth/globals/pkg/broker"
)

// Broker resource naming
//
// Exchange: Globals
// Broadcast queue (one per instance): {world}.{name}.{instance_id}, routing key {world}.{name}
// Discovery queue (shared per world/name): {world}.{name}.init
// Bootstrap reply queue (one per joining instance): {world}.{name}.init.{instance_id}, routing key {instance_id}

const (
	// ExchangeName is the exchange every broadcast and bootstrap reply goes through.
	ExchangeName = "Globals"

	// DefaultWorld is used when a Global is created with an empty world.
	DefaultWorld = "GlobalWorld"

	// discoveryExpiry lets an abandoned discovery queue disappear shortly after its
	// last consumer leaves.
	discoveryExpiry = 1000 * time.Millisecond

	headerDefault   = "x-globals-default"
	headerResponder = "x-globals-responder"
)

var (
	exchangeOptions  = broker.ExchangeOptions{Durable: true, AutoDelete: true}
	privateQueue     = broker.QueueOptions{Durable: true, AutoDelete: true}
	discoveryOptions = broker.QueueOptions{Durable: true, AutoDelete: true, Expires: discoveryExpiry}
)

// RoutingKey returns the broadcast routing key of a Global.
func RoutingKey(world, name string) string {
	return fmt.Sprintf("%s.%s", world, name)
}

// BroadcastQueueName returns the private broadcast queue of one instance.
func BroadcastQueueName(world, name, id string) string {
	return fmt.Sprintf("%s.%s.%s", world, name, id)
}

// DiscoveryQueueName returns the shared queue bootstrap requests are sent to.
func DiscoveryQueueName(world, name string) string {
	return fmt.Sprintf("%s.%s.init", world, name)
}

// ReplyQueueName returns the private queue a joining instance receives its
// bootstrap reply on.
func ReplyQueueName(world, name, id string) string {
	return fmt.Sprintf("%s.%s.init.%s", world, name, id)
}

// normalizeIdentity applies the default world and validates the name.
func normalizeIdentity(world, name string) (string, string, error) {
	world = strings.TrimSpace(world)
	name = strings.TrimSpace(name)
	if world == "" {
		world = DefaultWorld
	}
	if name == "" {
		return "", "", ErrInvalidName
	}
	return world, name, nil
}
