// Package stream defines the protocol-client boundary: the event model for a
// live broadcast session and the narrow interfaces the monitor needs from a
// concrete platform client (liveness probe, event connection, media capture).
// Platform packages (e.g. twitch) implement these; the core never imports them.
package stream

import "context"

// Target identifies one broadcaster with its resolved credentials.
// SessionID and Region are optional; empty means anonymous/public access.
type Target struct {
	Login     string
	SessionID string
	Region    string
}

// Client is one connection to a broadcaster's live session. Connect returns
// once the connection is established (or fails); events are then delivered on
// the Events channel until Disconnect or the broadcast ends. The channel is
// closed when the connection is torn down.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Events() <-chan Event
}

// Prober answers whether a target is currently broadcasting. Implementations
// should honor ctx deadlines; transport errors are returned, not swallowed
// (the probe layer decides how failures degrade).
type Prober interface {
	IsLive(ctx context.Context, t Target) (bool, error)
}

// Capture writes the broadcast media to a file while the session is connected.
type Capture interface {
	Start(path string) error
	Stop() error
	Recording() bool
}

// Dialer builds the client and capture pair for one target.
type Dialer interface {
	Dial(t Target) (Client, Capture, error)
}
