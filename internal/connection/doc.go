// Package connection keeps long-lived TCP sessions to gate and board
// controllers.
//
// Each device is served by a Conn: one actor goroutine that owns the
// socket, the state machine, the circuit breaker and every timer. Other
// goroutines talk to it only through channels, so no lock guards the
// session state. A separate reader goroutine per socket frames inbound
// bytes with the variant's codec and hands frames to the actor, tagged
// with the socket generation so frames from a replaced socket are ignored.
//
// State machine:
//
//	Disconnected --connect--> Connecting --dial ok--> Connected
//	Connecting   --dial failed--> Disconnected
//	Connected    --socket error / poll timeouts--> Disconnected
//	Disconnected --scheduleReconnect--> Reconnecting --timer--> Connecting
//	any          --breaker opens--> Failed --cooldown--> Disconnected
//
// A Manager owns the Conns of one device class. Add, modify and remove are
// serialized per manager, and an existing Conn is always closed (actor
// exited, socket closed, timers stopped) before its replacement starts, so
// at most one socket exists per device address.
//
// State changes never touch the store directly: they are submitted to the
// batch flusher, which writes them in its next transaction and reports the
// persisted value back through HandlePersisted.
package connection
