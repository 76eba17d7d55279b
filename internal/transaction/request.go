package transaction

import (
	"fmt"
	"time"

	"github.com/nerrad567/vbus-bridge/internal/vbus"
)

// Op names the kind of a request.
type Op uint8

// Request kinds.
const (
	OpGet Op = iota + 1
	OpSet
	OpGetIDHash
	OpGetIndex
	OpGetCaps1
	OpBeginBulk
	OpCommitBulk
	OpRollbackBulk
	OpSetBulk
	OpReleaseBus
)

var opNames = map[Op]string{
	OpGet:          "get",
	OpSet:          "set",
	OpGetIDHash:    "get_id_hash",
	OpGetIndex:     "get_index",
	OpGetCaps1:     "get_caps1",
	OpBeginBulk:    "begin_bulk",
	OpCommitBulk:   "commit_bulk",
	OpRollbackBulk: "rollback_bulk",
	OpSetBulk:      "set_bulk",
	OpReleaseBus:   "release_bus",
}

func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Key identifies a request slot. At most one request per Key is in flight.
//
// The operation is not part of the key: value replies (0x0100) answer get,
// set and id-hash requests alike and only the index tells them apart.
type Key struct {
	Address uint16
	Index   uint16
}

func (k Key) String() string {
	return fmt.Sprintf("%04X/%04X", k.Address, k.Index)
}

// RetryPolicy controls retransmission. Try n (starting at 0) waits
// Timeout + n*TimeoutIncrement before it is retried.
type RetryPolicy struct {
	Timeout          time.Duration
	TimeoutIncrement time.Duration
	MaxRetries       int
}

// deadline returns the wait after the given try.
func (r RetryPolicy) deadline(try int) time.Duration {
	return r.Timeout + time.Duration(try)*r.TimeoutIncrement
}

// Request is one datagram to transmit plus the rule recognising its reply.
type Request struct {
	Op     Op
	Key    Key
	Packet vbus.Packet

	// Match reports whether p answers this request.
	Match func(p vbus.Packet) bool

	// Retry overrides the Layer's policy when non-nil.
	Retry *RetryPolicy
}

// replyFrom matches datagrams sent back by the request's target.
func replyFrom(req vbus.Packet, match func(p vbus.Packet) bool) func(vbus.Packet) bool {
	return func(p vbus.Packet) bool {
		return p.IsDatagram() &&
			p.Source == req.Destination &&
			p.Destination == req.Source &&
			match(p)
	}
}

// GetRequest reads the value at index.
func GetRequest(self, address, index uint16, subindex uint8) Request {
	pkt := vbus.NewDatagram(address, self, vbus.CommandGetValue|uint16(subindex), index, 0)
	return valueRequest(OpGet, pkt, vbus.CommandValue|uint16(subindex))
}

// SetRequest writes raw to the value at index.
func SetRequest(self, address, index uint16, subindex uint8, raw int32) Request {
	pkt := vbus.NewDatagram(address, self, vbus.CommandSetValue|uint16(subindex), index, raw)
	return valueRequest(OpSet, pkt, vbus.CommandValue|uint16(subindex))
}

// SetBulkRequest writes raw to index inside a bulk value transaction.
func SetBulkRequest(self, address, index uint16, subindex uint8, raw int32) Request {
	pkt := vbus.NewDatagram(address, self, vbus.CommandSetBulkValue|uint16(subindex), index, raw)
	return valueRequest(OpSetBulk, pkt, vbus.CommandBulkValueSet|uint16(subindex))
}

func valueRequest(op Op, pkt vbus.Packet, reply uint16) Request {
	index := pkt.Param16()
	return Request{
		Op:     op,
		Key:    Key{Address: pkt.Destination, Index: index},
		Packet: pkt,
		Match: replyFrom(pkt, func(p vbus.Packet) bool {
			return p.Command == reply && p.Param16() == index
		}),
	}
}

// IDHashRequest asks for the id hash of the value at index.
func IDHashRequest(self, address, index uint16) Request {
	pkt := vbus.NewDatagram(address, self, vbus.CommandGetValueIDHash, index, 0)
	return Request{
		Op:     OpGetIDHash,
		Key:    Key{Address: address, Index: index},
		Packet: pkt,
		Match: replyFrom(pkt, func(p vbus.Packet) bool {
			return (p.Command == vbus.CommandValue || p.Command == vbus.CommandValueIDHash) &&
				p.Param16() == index
		}),
	}
}

// IndexRequest asks for the index of the value with the given id hash.
func IndexRequest(self, address uint16, idHash int32) Request {
	pkt := vbus.NewDatagram(address, self, vbus.CommandGetValueIndex, 0, idHash)
	return Request{
		Op:     OpGetIndex,
		Key:    Key{Address: address},
		Packet: pkt,
		Match: replyFrom(pkt, func(p vbus.Packet) bool {
			return (p.Command == vbus.CommandValue || p.Command == vbus.CommandValueIndex) &&
				p.Param32() == idHash
		}),
	}
}

// Caps1Request asks for the controller's first capability word.
func Caps1Request(self, address uint16) Request {
	return controlRequest(OpGetCaps1, vbus.NewDatagram(address, self, vbus.CommandGetCaps1, 0, 0), vbus.CommandCaps1)
}

// BeginBulkRequest opens a bulk value transaction that the controller
// rolls back on its own after timeout seconds.
func BeginBulkRequest(self, address uint16, timeout int32) Request {
	return controlRequest(OpBeginBulk,
		vbus.NewDatagram(address, self, vbus.CommandBeginBulkTransaction, 0, timeout),
		vbus.CommandBulkTransactionBegun)
}

// CommitBulkRequest commits the open bulk value transaction.
func CommitBulkRequest(self, address uint16) Request {
	return controlRequest(OpCommitBulk,
		vbus.NewDatagram(address, self, vbus.CommandCommitBulkTransaction, 0, 0),
		vbus.CommandBulkTransactionCommitted)
}

// RollbackBulkRequest discards the open bulk value transaction.
func RollbackBulkRequest(self, address uint16) Request {
	return controlRequest(OpRollbackBulk,
		vbus.NewDatagram(address, self, vbus.CommandRollbackBulkTransaction, 0, 0),
		vbus.CommandBulkTransactionRolledBack)
}

func controlRequest(op Op, pkt vbus.Packet, reply uint16) Request {
	return Request{
		Op:     op,
		Key:    Key{Address: pkt.Destination},
		Packet: pkt,
		Match: replyFrom(pkt, func(p vbus.Packet) bool {
			return p.Command == reply
		}),
	}
}

// releaseBusRetry gives the controller time to resume its cyclic output.
var releaseBusRetry = RetryPolicy{
	Timeout:          2500 * time.Millisecond,
	TimeoutIncrement: 2500 * time.Millisecond,
	MaxRetries:       1,
}

// ReleaseBusRequest hands bus control back to the controller. The reply is
// the next version 1.0 packet the controller sends.
func ReleaseBusRequest(self, address uint16) Request {
	pkt := vbus.NewDatagram(address, self, vbus.CommandReleaseBus, 0, 0)
	retry := releaseBusRetry
	return Request{
		Op:     OpReleaseBus,
		Key:    Key{Address: address, Index: 0xFFFF},
		Packet: pkt,
		Match: func(p vbus.Packet) bool {
			return p.IsPacket() && p.Source == address
		},
		Retry: &retry,
	}
}

// ParseRequest recognises a request datagram written by a bus client and
// rebuilds the Request, reply rule included, so it can be submitted on the
// client's behalf.
func ParseRequest(p vbus.Packet) (Request, error) {
	if !p.IsDatagram() {
		return Request{}, ErrNotRequest
	}
	self, address, index, value := p.Source, p.Destination, p.Param16(), p.Param32()
	sub := uint8(p.Command & 0x00FF) //nolint:gosec // low byte

	switch p.Command & 0xFF00 {
	case vbus.CommandGetValue:
		return GetRequest(self, address, index, sub), nil
	case vbus.CommandSetValue:
		return SetRequest(self, address, index, sub, value), nil
	case vbus.CommandSetBulkValue:
		return SetBulkRequest(self, address, index, sub, value), nil
	}

	switch p.Command {
	case vbus.CommandGetValueIDHash:
		return IDHashRequest(self, address, index), nil
	case vbus.CommandGetValueIndex:
		return IndexRequest(self, address, value), nil
	case vbus.CommandGetCaps1:
		return Caps1Request(self, address), nil
	case vbus.CommandBeginBulkTransaction:
		return BeginBulkRequest(self, address, value), nil
	case vbus.CommandCommitBulkTransaction:
		return CommitBulkRequest(self, address), nil
	case vbus.CommandRollbackBulkTransaction:
		return RollbackBulkRequest(self, address), nil
	}
	return Request{}, fmt.Errorf("%w: command 0x%04X", ErrNotRequest, p.Command)
}
