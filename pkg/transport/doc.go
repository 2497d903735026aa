// Package transport defines the channel abstraction jobmux uses to talk to
// workers and the session manager that owns those channels.
//
// Key concepts:
// - Endpoint: an immutable transport locator (host, kind, uri) published by a node
// - Channel: a message-oriented connection; a logical message is a run of frames
//   where every frame but the last carries the "more" flag
// - Dialer: opens Channels to Endpoints of the kinds it supports
// - Manager: keeps one active Channel and retires superseded ones only after
//   every job dispatched on them has been answered
package transport
