// Package client is the Go client for the daemon's REST API. The CLI is
// its primary consumer. Server errors decode back into the engine's
// error kinds, so errdefs.IsNotFound and friends work on both sides of
// the wire.
package client
