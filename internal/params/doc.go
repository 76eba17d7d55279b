// Package params resolves controller parameter identifiers to wire indices
// and scaling metadata.
//
// Parameter tables are TOML files describing one controller firmware:
//
//	address = 0x7721
//	changeset = 1234
//
//	[[params]]
//	id = "Relais1Manual"
//	index = 0x0916
//	factor = 1.0
//	minimum = 0
//	maximum = 2
//
// A Resolver is loaded once and read-only afterwards; it is safe for
// concurrent use.
package params
