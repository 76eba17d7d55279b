// Package transaction correlates VBus parameter requests with their replies.
//
// A Layer keeps the set of pending requests keyed by (address, index). Only
// the oldest request per key is on the wire; later ones wait in FIFO order
// so a reply can never be matched to the wrong caller. Every send arms a
// wall-clock timer; when it fires without a matching reply the identical
// datagram is sent again, up to the configured retry count, after which the
// request fails with ErrTimeout.
//
// Client couples a Layer with a transport.Adapter and a read loop, and
// offers the controller operations a configuration tool needs: waiting for
// the bus, reading and writing values, id-hash lookups, capabilities and
// bulk value transactions.
package transaction
