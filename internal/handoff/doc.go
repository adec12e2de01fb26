// Package handoff implements the single-slot frame handoff between a
// camera SDK callback thread and the streaming thread that produces
// output buffers.
//
// The consumer asks for a frame (Request), which hands the slot to the
// producer. The next device callback fills the slot (Deliver) and hands it
// back. Frames arriving while the consumer holds the slot are dropped: the
// source is live, so stale frames have no value and the callback thread
// must never block.
//
//	Consumer                        Producer (device callback)
//	   │ Request() ──owner=Producer──▶ │
//	   │   (blocks)                    │ Deliver(fill) ─ convert into buf
//	   │ ◀──────────owner=Consumer──── │
//	   │ copy out                      │ Deliver(...) → dropped
//
// Close wakes a waiting consumer and waits for an in-flight conversion
// before the buffer is released.
package handoff
