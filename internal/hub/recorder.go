package hub

import (
	"time"

	"github.com/nerrad567/vbus-bridge/internal/vbus"
)

// PointWriter is the part of the InfluxDB client the recorder uses.
type PointWriter interface {
	WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, ts time.Time)
}

// Recorder is a Subscriber writing stream activity to a time-series store.
//
// Each packet becomes a "vbus_packet" point tagged with its stream and
// carrying only the payload length, so per-stream rates can be graphed.
// Payload contents are not stored.
type Recorder struct {
	*sink
	bridgeID string
	writer   PointWriter
}

// NewRecorder starts a recorder. Register it with Hub.Subscribe.
func NewRecorder(bridgeID string, writer PointWriter, queueSize int, logger Logger) *Recorder {
	r := &Recorder{bridgeID: bridgeID, writer: writer}
	r.sink = newSink("influxdb recorder", queueSize, logger, r.record)
	return r
}

func (r *Recorder) record(p vbus.Packet) {
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	r.writer.WritePointWithTime("vbus_packet",
		map[string]string{
			"bridge": r.bridgeID,
			"stream": p.ID(),
		},
		map[string]any{"length": len(p.Payload)},
		ts,
	)
}
