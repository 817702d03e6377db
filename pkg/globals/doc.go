// Package globals provides distributed shared variables ("Globals") synchronized
// through a message broker.
//
// # Overview
//
// A Global is a named, typed value. Every process that creates a Global with the
// same world and name joins the same replication group: writes made anywhere are
// broadcast to all holders, and a newly created holder discovers the current value
// from an existing one. There is no coordinator; the broker is only a transport.
//
// # Core Concepts
//
// Session owns the broker connection of a process. It connects when the first
// Global is created and disconnects when the last one is closed.
//
// Reader is the read-only view: it holds the current value, reports whether that
// value is a default, and notifies handlers of every change. Global adds Set.
//
// Replication: each instance binds a private queue named
// {world}.{name}.{instance_id} to the "Globals" exchange. Set publishes the encoded
// value to that exchange, so every holder (the writer included) receives it.
// Events received back by the writer are flagged FromSelf.
//
// Bootstrap: on creation an instance inspects the discovery queue
// {world}.{name}.init. With no consumers it adopts its configured default without
// any round trip. Otherwise it publishes a request carrying its instance ID and
// waits for the single holder that receives it to reply on {world}.{name}.init.{id}.
// Every instance that holds a value consumes the discovery queue, and the broker
// hands each request to exactly one of them.
//
// # Usage Example
//
//	session := globals.NewRedisSession(&redis.Options{Addr: "localhost:6379"}, "/")
//
//	counter, err := globals.New(ctx, session, "W", "ctr", 0, func(e globals.Event[int]) {
//		log.Printf("ctr: %d -> %d (self=%v)", e.Prev, e.Data, e.FromSelf)
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer counter.Close()
//
//	if err := counter.Set(ctx, 5); err != nil {
//		log.Fatal(err)
//	}
//
// # Consistency
//
// Delivery order decides: the last write an instance receives wins locally. There
// are no versions or vector clocks, and values live only as long as some holder
// keeps them.
//
// # Handlers
//
// Handlers run synchronously on the broker's dispatch goroutine for the instance,
// one event at a time. A panicking handler is recovered and reported on Errors();
// the instance keeps consuming.
package globals
