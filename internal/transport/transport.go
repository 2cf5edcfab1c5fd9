// Package transport abstracts the duplex byte stream carrying protocol
// frames. The real implementations are a serial port (the fixture's
// Bluetooth SPP link bound as /dev/rfcommN) and a single-peer websocket
// listener for bench testing. The fake allows testing without either.
package transport

// Transport is an ordered duplex byte stream with peer-presence signaling.
// Reads and writes never block the run loop.
type Transport interface {
	// PeerPresent reports whether a peer is currently attached.
	PeerPresent() bool

	// ReadAvailable returns whatever bytes have arrived since the last
	// call, or an empty slice when nothing is pending.
	ReadAvailable() ([]byte, error)

	// Write sends bytes to the peer.
	Write(p []byte) error

	// Close tears down the transport.
	Close() error
}
