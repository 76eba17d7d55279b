// Package discovery finds VBus-over-TCP devices on the local network.
//
// Devices listen for the UDP broadcast "---RESOL-BROADCAST-QUERY---" on
// port 7053 and answer with "---RESOL-BROADCAST-REPLY---". Details about
// a responding device are served over HTTP at
// /cgi-bin/get_resol_device_information as lines of the form
//
//	vendor = "RESOL"
//	product = "DL2"
//
// The bridge runs a Responder so that existing tools find it like any
// other device, and the customizer uses a Discoverer to find targets.
package discovery
