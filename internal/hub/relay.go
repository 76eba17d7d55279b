package hub

import (
	"encoding/hex"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/vbus-bridge/internal/vbus"
)

// DefaultRelayQueueSize bounds the relay's publish queue.
const DefaultRelayQueueSize = 256

// PacketTopic returns the relay topic for a packet stream.
func PacketTopic(bridgeID string, p vbus.Packet) string {
	return "vbus/bridge/" + bridgeID + "/packets/" + p.ID()
}

// PacketMessage is the JSON form of a relayed or streamed packet.
type PacketMessage struct {
	ID          string    `json:"id"`
	Channel     uint8     `json:"channel"`
	Destination uint16    `json:"destination"`
	Source      uint16    `json:"source"`
	Version     byte      `json:"version"`
	Command     uint16    `json:"command"`
	Payload     string    `json:"payload"`
	Param16     *uint16   `json:"param16,omitempty"`
	Param32     *int32    `json:"param32,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewPacketMessage converts p.
func NewPacketMessage(p vbus.Packet) PacketMessage {
	m := PacketMessage{
		ID:          p.ID(),
		Channel:     p.Channel,
		Destination: p.Destination,
		Source:      p.Source,
		Version:     p.Version,
		Command:     p.Command,
		Payload:     hex.EncodeToString(p.Payload),
		Timestamp:   p.Timestamp.UTC(),
	}
	if p.IsDatagram() {
		p16, p32 := p.Param16(), p.Param32()
		m.Param16, m.Param32 = &p16, &p32
	}
	return m
}

// sink is a Subscriber draining a bounded queue on its own goroutine.
// It backs the MQTT relay and the InfluxDB recorder. Unlike sessions a
// sink is never evicted: packets arriving while its queue is full are
// dropped and counted.
type sink struct {
	name   string
	logger Logger
	handle func(vbus.Packet)

	dropped     atomic.Uint64
	overflowing atomic.Bool

	queue     chan vbus.Packet
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newSink(name string, queueSize int, logger Logger, handle func(vbus.Packet)) *sink {
	if queueSize <= 0 {
		queueSize = DefaultRelayQueueSize
	}
	s := &sink{
		name:   name,
		logger: logger,
		handle: handle,
		queue:  make(chan vbus.Packet, queueSize),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

// Accepts takes every packet.
func (s *sink) Accepts(vbus.Packet) bool { return true }

// Deliver queues p without blocking. It always reports success so the
// hub keeps the sink registered through bursts.
func (s *sink) Deliver(p vbus.Packet, _ []byte) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.queue <- p:
		if s.overflowing.CompareAndSwap(true, false) && s.logger != nil {
			s.logger.Info(s.name+" caught up", "dropped_total", s.dropped.Load())
		}
	default:
		n := s.dropped.Add(1)
		// One warning per overflow episode.
		if s.overflowing.CompareAndSwap(false, true) && s.logger != nil {
			s.logger.Warn(s.name+" queue full, dropping packets", "dropped_total", n)
		}
	}
	return true
}

// Dropped returns how many packets were discarded on a full queue.
func (s *sink) Dropped() uint64 {
	return s.dropped.Load()
}

// Close stops the sink without waiting; queued packets are dropped.
func (s *sink) Close(reason error) {
	s.closeOnce.Do(func() {
		if reason != nil && s.logger != nil {
			s.logger.Warn(s.name+" closed", "reason", reason.Error())
		}
		close(s.done)
	})
}

// Wait blocks until the draining goroutine has exited.
func (s *sink) Wait() {
	s.wg.Wait()
}

func (s *sink) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case p := <-s.queue:
			s.handle(p)
		}
	}
}

// Relay is a Subscriber publishing every packet to MQTT.
type Relay struct {
	*sink
	bridgeID  string
	publisher HealthPublisher
}

// NewRelay starts a relay publishing through publisher. Register it with
// Hub.Subscribe.
func NewRelay(bridgeID string, publisher HealthPublisher, queueSize int, logger Logger) *Relay {
	r := &Relay{bridgeID: bridgeID, publisher: publisher}
	r.sink = newSink("mqtt relay", queueSize, logger, r.publish)
	return r
}

func (r *Relay) publish(p vbus.Packet) {
	if !r.publisher.IsConnected() {
		return
	}
	payload, err := json.Marshal(NewPacketMessage(p))
	if err != nil {
		return
	}
	if err := r.publisher.Publish(PacketTopic(r.bridgeID, p), payload, 0, false); err != nil && r.logger != nil {
		r.logger.Debug("mqtt relay publish failed", "error", err)
	}
}
