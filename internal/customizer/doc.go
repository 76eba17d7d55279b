// Package customizer reads and writes controller parameters in batches.
//
// RunActions connects to a controller, waits for it to offer the bus,
// checks that it is the controller a parameter table was written for, and
// then executes each action in order. Every action gets its own Result;
// one failed action does not stop the rest of the batch.
//
// Actions use the form "idOrIndex=value" to write and "idOrIndex=?" to
// read, e.g. "Relais1Manual=1" or "0x0916=?".
package customizer
