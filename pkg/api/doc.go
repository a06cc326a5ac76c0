// Package api is the REST control surface of the daemon: deployment
// lifecycle, alert and rule management, notification channels, auth,
// health, and metrics, all under /api/v1.
//
// The chi middleware chain runs request ID, real IP, structured request
// logging, panic recovery, CORS, and bearer-token authentication. Every
// error crosses the boundary as a JSON envelope whose kind mirrors the
// engine's error taxonomy, so clients can branch on kind instead of
// parsing messages.
package api
