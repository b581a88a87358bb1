// Package notifier delivers suggestion text through a named channel.
//
// # Channels
//
// A Notifier sends text over one medium (a TTS command for "voice", a chat
// bot for "text"). Registry maps channel names to notifiers so the engine
// never depends on a specific transport.
//
// # Dispatch
//
// Queue is the async pipeline: bounded queue, worker pool, token-bucket
// rate limit and a per-send timeout. Delivery is at most once; a failed
// send is reported to the caller's completion callback and never retried.
// Inline runs the same contract synchronously.
//
// # History
//
// For operator visibility, Queue keeps a small in-memory history of recently
// delivered messages.
package notifier
