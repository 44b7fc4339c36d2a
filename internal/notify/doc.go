// Package notify publishes run status updates.
//
// The driver broadcasts an Update when a run starts, after every batch and
// when the run ends. Hub pushes them as JSON text frames to websocket
// subscribers, LogNotifier logs them and Multi combines both.
package notify
