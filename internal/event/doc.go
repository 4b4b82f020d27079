/*
Package event provides a type-safe pub/sub event system for the session
multiplexer's connection fan-out.

The event system enables decoupled communication between the execution
engine, the session manager, and every connected transport, without
direct dependencies between them.

# Architecture

The package is built on top of watermill's gochannel for infrastructure
while maintaining direct-call semantics to preserve type information. It
provides both synchronous and asynchronous event publishing patterns.

# Topics

Two kinds of topic are published:

  - TopicLifecycle: the single well-known topic every open connection
    subscribes to. command_accepted/command_started/command_finished and
    session_created/session_deleted publish here, wrapped as
    pkg/types.LifecycleEvent. server_ready is sent straight to each new
    connection instead, and nothing publishes server_shutdown.
  - SessionTopic(sessionID): one dynamically created topic per live
    session, subscribed to by whichever connections have switch_session'd
    into that session. Forwarded agent events and extension_ui_request
    prompts publish here, wrapped as pkg/types.SessionEvent.

# Basic Usage

Publishing events:

	// Asynchronous publishing (non-blocking)
	bus.Publish(event.Event{Type: event.TopicLifecycle, Data: lifecycleEvent})

	// Synchronous publishing (blocking until all subscribers complete) --
	// the session manager uses this for lifecycle and session fan-out, so
	// a send failure is observed and logged before the call returns.
	bus.PublishSync(event.Event{Type: event.SessionTopic(id), Data: sessionEvent})

Subscribing:

	unsubscribe := bus.Subscribe(event.TopicLifecycle, func(e event.Event) {
		le := e.Data.(types.LifecycleEvent)
		...
	})
	defer unsubscribe()

# Subscriber Safety Guidelines

When using PublishSync, subscribers are called synchronously in the
publisher's goroutine. To avoid blocking or deadlocks, subscribers MUST:

  - Complete quickly (avoid long-running operations)
  - Use non-blocking channel sends (select with default case)
  - Never call Publish/PublishSync from within a subscriber (no
    re-entrant publishing)
  - Never acquire locks that the publisher might hold

# Custom Event Bus

Each muxserver.Server owns its own bus instance rather than the package
global, so tests and multiple in-process servers stay isolated:

	bus := event.NewBus()
	defer bus.Close()

# Thread Safety

The event bus is thread-safe and can be used concurrently from multiple
goroutines. Both publishing and subscribing operations are protected by
internal synchronization.

# Integration with Watermill

The package uses watermill's gochannel internally, providing access to
the underlying pubsub infrastructure for advanced use cases:

	pubsub := bus.PubSub()
	// Use watermill features like middleware, routing, etc.

This allows future migration to a distributed message broker without
changing the Subscribe/Publish call sites.
*/
package event
