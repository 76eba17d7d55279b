// Package transport provides the byte-stream connections the bridge reads
// VBus data from: serial ports and VBus-over-TCP sockets.
//
// Every connection is exposed as an Adapter, a plain io.ReadWriteCloser
// whose Read and Write report a lost connection as ErrDisconnected. An
// Opener creates Adapters on demand, which lets the hub reconnect without
// knowing which backend it talks to.
//
// Connection URLs:
//
//	serial:///dev/ttyUSB0?baud=9600
//	tcp://192.168.1.20:7053?password=vbus&channel=1&via=d01234567
//	tcp://192.168.1.30:4001?raw=true      (transparent serial-over-TCP gateway)
//
// The VBus-over-TCP handshake (+HELLO, CONNECT, PASS, CHANNEL, DATA) is
// performed by ClientHandshake before the Adapter is returned.
package transport
