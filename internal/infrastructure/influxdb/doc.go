// Package influxdb writes bridge time-series data to InfluxDB v2.
//
// It wraps the official influxdb-client-go v2 library. The bridge records
// two kinds of data:
//   - vbus_hub: periodic hub counters from the health reporter
//   - vbus_packet: per-stream packet lengths written by the hub's
//     recorder, for rate graphs; payloads are not stored
//
// Writes are non-blocking and batched according to batch_size and
// flush_interval; write errors are delivered to the SetOnError callback.
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
package influxdb
