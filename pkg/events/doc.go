/*
Package events provides an in-memory event broker for corestream's
coordinator notices: shard lifecycle, txn commit/apply, and compute
replica/peek/subscribe events.

# Architecture

	┌──────────────────── EVENT BROKER ────────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │              Event Broker                   │          │
	│  │  - In-memory message bus                    │          │
	│  │  - Topic-agnostic (all events broadcast)    │          │
	│  │  - Non-blocking publish                     │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          Event Distribution                 │          │
	│  │                                              │          │
	│  │  Publisher → Event Channel (buffer: 100)    │          │
	│  │       ↓                                      │          │
	│  │  Broadcast Loop                              │          │
	│  │       ↓                                      │          │
	│  │  Subscriber Channels (buffer: 50 each)      │          │
	│  │  A full subscriber buffer drops the event   │          │
	│  │  rather than blocking the broadcast loop.   │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(&events.Event{
		Type:    events.EventTxnCommitted,
		Message: "txn t-1 committed at ts=42",
	})

	statusLog := log.WithComponent("status")
	for ev := range sub {
		statusLog.Info().Str("event", string(ev.Type)).Msg(ev.Message)
	}

This package is used by pkg/coordinator to fan notices out to CLI/status
callers without coupling them to pkg/txn or pkg/compute directly.
*/
package events
