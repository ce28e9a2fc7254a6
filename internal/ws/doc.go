// Package ws multiplexes downstream websocket sessions onto the single engine
// connection.
//
// The package implements:
//   - Hub: the session registry; fans engine events out to every attached
//     session and forwards session requests upstream
//   - Client: a websocket-backed Sink with a bounded send queue
//   - Handler: upgrades HTTP connections and runs the read and write pumps
//
// A session that attaches is immediately sent an engine_status frame built
// from the engine's current readiness. A request that cannot be forwarded is
// answered with an error frame to the originating session only.
package ws
