// Package acceptor runs the single shared listening socket for incoming
// peer connections; sessions demultiplex accepted connections to the right
// torrent after the handshake reveals the info hash.
package acceptor

import (
	"net"

	"github.com/cenkalti/rain/internal/logger"
)

// Acceptor listens on one TCP port and delivers every accepted connection
// on ConnC.
type Acceptor struct {
	listener net.Listener
	log      logger.Logger

	ConnC  chan net.Conn
	closeC chan struct{}
}

// New starts listening on the given address ("" binds all interfaces).
func New(addr string, l logger.Logger) (*Acceptor, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	a := &Acceptor{
		listener: ln,
		log:      l,
		ConnC:    make(chan net.Conn),
		closeC:   make(chan struct{}),
	}
	go a.run()
	return a, nil
}

// Addr returns the bound local address, from which the listen port can be
// read back after binding to port 0.
func (a *Acceptor) Addr() net.Addr { return a.listener.Addr() }

func (a *Acceptor) run() {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-a.closeC:
				return
			default:
				a.log.Debugln("accept error:", err)
				return
			}
		}
		select {
		case a.ConnC <- conn:
		case <-a.closeC:
			conn.Close()
			return
		}
	}
}

// Close stops accepting new connections.
func (a *Acceptor) Close() error {
	select {
	case <-a.closeC:
	default:
		close(a.closeC)
	}
	return a.listener.Close()
}
