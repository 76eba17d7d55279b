// Package directory maps via-tags to bus addresses.
//
// A client that is not on the bridge's own bus segment names its target
// device with CONNECT <tag>. The directory resolves the tag to the
// device's VBus address and the channel it is reachable on. Entries live
// in the bridge's SQLite database and are seeded from the configuration
// file on startup.
package directory
