// Package api provides the bridge's HTTP surface.
//
// Routes:
//   - GET /cgi-bin/get_resol_device_information: device document read by
//     discovery tools after a UDP reply
//   - GET /api/v1/health, /api/v1/status, /api/v1/metrics
//   - /api/v1/via-tags: via-tag directory administration (when a
//     directory is configured)
//   - GET /api/v1/live: WebSocket stream of every packet the hub decodes,
//     optionally filtered with ?channel= and ?source=
//
// Each live feed client is a hub subscriber with its own bounded queue.
// A client that falls behind is evicted by the hub like any other
// subscriber and its connection is closed with a policy-violation frame.
//
// The server follows the same lifecycle pattern as other components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
