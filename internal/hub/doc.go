// Package hub shares one upstream VBus connection between many consumers.
//
// The hub owns the upstream transport.Adapter. A single decode loop reads
// it, assembles Packets and hands each one to the transaction layer (for
// reply matching) and to every registered Subscriber whose filter accepts
// it. Subscribers are TCP sessions, WebSocket clients and the optional
// MQTT relay; each has a bounded queue and is evicted when that queue is
// full, so a slow consumer never delays the decode loop or its peers.
//
// Writes to the upstream connection go through one writer goroutine fed by
// a bounded channel. When the upstream connection drops, the hub reconnects
// with exponential backoff; sessions stay open but idle meanwhile. After
// Reconnect.MaxAttempts consecutive failures Run returns ErrUpstreamLost.
//
// Start is the bridge entry point: it binds the TCP listener, runs the hub
// and the accept loop under an errgroup and returns a Handle.
package hub
