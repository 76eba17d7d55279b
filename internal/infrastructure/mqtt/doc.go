// Package mqtt connects the bridge to an MQTT broker.
//
// The bridge uses MQTT for three things:
//   - a retained health message per bridge, with the broker publishing an
//     "offline" last will if the bridge disappears
//   - an optional relay that republishes every decoded packet as JSON
//   - a write topic through which other services may inject raw VBus
//     frames onto the bus
//
// Topic names are owned by the hub package; this package only manages the
// connection, publishing and subscriptions.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, &mqtt.Will{Topic: topic, Payload: lwt})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(hub.WriteTopic(bridgeID), 1, h.InjectHandler())
package mqtt
