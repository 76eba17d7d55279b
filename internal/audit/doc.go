// Package audit keeps the bridge's audit trail: via-tag changes and frames
// written to the bus, whether they arrived over HTTP or MQTT.
//
// Entries are written asynchronously by the API server and by the MQTT
// write topic handler, listed by GET /api/v1/audit, and pruned after
// database.audit_retention_days.
package audit
