// Package session implements the server side of the VBus-over-TCP login
// and the per-client streaming pipe.
//
// A client connects, receives "+HELLO" and then sends line commands:
//
//	CONNECT <via-tag>   select a remote device through the directory
//	PASS <password>     authenticate; a wrong password closes the session
//	CHANNEL <n>         select a channel on multi-channel hubs
//	DATA                switch to streaming
//	QUIT                close
//
// Every command is answered with "+OK: ..." or "-ERROR: ...". The protocol
// logic lives in Machine, a tagged state with a single transition function;
// Session runs a Machine over a net.Conn and, once streaming, pipes bytes
// between the client and the hub.
package session
