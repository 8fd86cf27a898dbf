// Package peerconn turns a handshaked net.Conn into a stream of typed peer
// wire messages: framing, keep-alives, outbound pipelining and the
// close-on-protocol-error rules of the peer wire protocol.
package peerconn

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"

	"github.com/cenkalti/rain/internal/logger"
	"github.com/cenkalti/rain/internal/peerprotocol"
)

// Sentinel errors of this package. decode returns ErrWireProtocol for an
// undefined message ID below 20; nothing in this package returns
// ErrTransport or ErrProtocolMismatch.
var (
	ErrWireProtocol   = errors.New("peerconn: wire protocol error")
	ErrTransport      = errors.New("peerconn: transport error")
	ErrProtocolMismatch = errors.New("peerconn: protocol mismatch")
)

const (
	// DefaultMaxMessageSize bounds any single framed message, guarding
	// against a peer claiming an absurd length prefix.
	DefaultMaxMessageSize = 256 * 1024
	keepAliveInterval     = 2 * time.Minute
	readIdleGrace         = 30 * time.Second
)

// peerprotocol's HaveMessage, RequestMessage, BitfieldMessage and
// PortMessage, this package's CancelMsg and PieceData, and the zero-payload
// message markers below are the types delivered on Messages().
type (
	ChokeMessage         struct{}
	UnchokeMessage       struct{}
	InterestedMessage    struct{}
	NotInterestedMessage struct{}
)

// PieceData pairs a Piece message header with the block bytes that followed
// it on the wire.
type PieceData struct {
	peerprotocol.PieceMessage
	Data []byte
}

// Conn is a handshaked peer connection, reading and writing framed wire
// messages.
type Conn struct {
	conn          net.Conn
	id            [20]byte
	extensions    [8]byte
	maxMessageSize uint32
	log           logger.Logger

	messages chan interface{}
	sendC    chan func() error
	errC     chan error

	closeC  chan struct{}
	closedC chan struct{}
}

// New wraps a handshaked connection. id is the remote peer's ID,
// extensions are the reserved handshake bytes it announced.
func New(conn net.Conn, id [20]byte, extensions [8]byte, l logger.Logger) *Conn {
	return &Conn{
		conn:           conn,
		id:             id,
		extensions:     extensions,
		maxMessageSize: DefaultMaxMessageSize,
		log:            l,
		messages:       make(chan interface{}),
		sendC:          make(chan func() error, 256),
		errC:           make(chan error, 1),
		closeC:         make(chan struct{}),
		closedC:        make(chan struct{}),
	}
}

// ID returns the remote peer ID.
func (c *Conn) ID() [20]byte { return c.id }

// IP returns the remote IP as a string, used to dedupe connections per-IP.
func (c *Conn) IP() string {
	if a, ok := c.conn.RemoteAddr().(*net.TCPAddr); ok {
		return a.IP.String()
	}
	return c.conn.RemoteAddr().String()
}

// Addr returns the remote TCP address.
func (c *Conn) Addr() *net.TCPAddr {
	a, _ := c.conn.RemoteAddr().(*net.TCPAddr)
	return a
}

// Extensions returns the reserved handshake bytes the remote announced.
func (c *Conn) Extensions() [8]byte { return c.extensions }

// Messages returns the channel of decoded messages. It is closed once the
// connection terminates.
func (c *Conn) Messages() <-chan interface{} { return c.messages }

// Err returns the error recorded by fail, if any. The read and write loops
// log and return on failure without calling fail, so after a read error, an
// oversized frame or a protocol violation Err returns nil.
func (c *Conn) Err() error {
	select {
	case err := <-c.errC:
		return err
	default:
		return nil
	}
}

// Close closes the underlying connection and stops the reader/writer.
func (c *Conn) Close() {
	select {
	case <-c.closeC:
	default:
		close(c.closeC)
	}
	c.conn.Close()
	<-c.closedC
}

// Run starts the reader and writer loops; it blocks until the connection
// closes (by error, by peer, or via Close).
func (c *Conn) Run() {
	defer close(c.closedC)
	readerDone := make(chan struct{})
	go func() {
		c.readLoop()
		close(readerDone)
	}()
	writerDone := make(chan struct{})
	go func() {
		c.writeLoop()
		close(writerDone)
	}()
	select {
	case <-c.closeC:
	case <-readerDone:
	case <-writerDone:
	}
	c.conn.Close()
	<-readerDone
	<-writerDone
	close(c.messages)
}

func (c *Conn) fail(err error) {
	select {
	case c.errC <- err:
	default:
	}
	c.Close()
}

func (c *Conn) readLoop() {
	first := true
	for {
		select {
		case <-c.closeC:
			return
		default:
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(keepAliveInterval + readIdleGrace)); err != nil {
			return
		}
		var lenBuf [4]byte
		if _, err := io.ReadFull(c.conn, lenBuf[:]); err != nil {
			if !isClose(c.closeC) {
				c.log.Debugln("peer read error:", err)
			}
			return
		}
		length := binary.BigEndian.Uint32(lenBuf[:])
		if length == 0 {
			continue // keep-alive
		}
		if length > c.maxMessageSize {
			c.log.Debugln("peer sent oversized message:", length)
			return
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			return
		}
		id := peerprotocol.MessageID(payload[0])
		body := payload[1:]
		if id == peerprotocol.Bitfield && !first {
			c.log.Debugln("peer sent bitfield after first message")
			return
		}
		msg, err := decode(id, body)
		if err != nil {
			c.log.Debugln("peer protocol error:", err)
			return
		}
		first = false
		if msg == nil {
			continue // bounded unknown extension message, ignored
		}
		select {
		case c.messages <- msg:
		case <-c.closeC:
			return
		}
	}
}

func decode(id peerprotocol.MessageID, body []byte) (interface{}, error) {
	switch id {
	case peerprotocol.Choke:
		return ChokeMessage{}, nil
	case peerprotocol.Unchoke:
		return UnchokeMessage{}, nil
	case peerprotocol.Interested:
		return InterestedMessage{}, nil
	case peerprotocol.NotInterested:
		return NotInterestedMessage{}, nil
	case peerprotocol.Have:
		return peerprotocol.ParseHave(body)
	case peerprotocol.Bitfield:
		cp := make([]byte, len(body))
		copy(cp, body)
		return peerprotocol.BitfieldMessage{Data: cp}, nil
	case peerprotocol.Request:
		return peerprotocol.ParseRequest(body)
	case peerprotocol.Cancel:
		m, err := peerprotocol.ParseRequest(body)
		return CancelMsg(m), err
	case peerprotocol.Piece:
		hdr, data, err := peerprotocol.ParsePieceHeader(body)
		if err != nil {
			return nil, err
		}
		cp := make([]byte, len(data))
		copy(cp, data)
		return PieceData{PieceMessage: hdr, Data: cp}, nil
	case peerprotocol.Port:
		return peerprotocol.ParsePort(body)
	default:
		if byte(id) < 20 {
			return nil, ErrWireProtocol
		}
		// Extension IDs (>=20): ignored, bounded by max message size.
		return nil, nil
	}
}

// CancelMsg distinguishes a Cancel from a Request at the type level for
// callers that switch on message type.
type CancelMsg peerprotocol.RequestMessage

func (c *Conn) writeLoop() {
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case <-c.closeC:
			return
		case fn := <-c.sendC:
			if err := fn(); err != nil {
				return
			}
			keepAlive.Reset(keepAliveInterval)
		case <-keepAlive.C:
			if err := peerprotocol.WriteKeepAlive(c.conn); err != nil {
				return
			}
		}
	}
}

func isClose(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// SendMessage enqueues a simple (non-piece) outbound message.
func (c *Conn) SendMessage(msg interface{}) {
	c.enqueue(func() error { return c.writeMessage(msg) })
}

// SendRequest enqueues a block request or cancel.
func (c *Conn) SendRequest(id peerprotocol.MessageID, m peerprotocol.RequestMessage) {
	c.enqueue(func() error { return peerprotocol.WriteRequest(c.conn, id, m) })
}

// SendPiece enqueues a Piece reply carrying data.
func (c *Conn) SendPiece(m peerprotocol.PieceMessage, data []byte) {
	c.enqueue(func() error { return peerprotocol.WritePiece(c.conn, m, data) })
}

func (c *Conn) enqueue(fn func() error) {
	select {
	case c.sendC <- fn:
	case <-c.closeC:
	}
}

func (c *Conn) writeMessage(msg interface{}) error {
	switch m := msg.(type) {
	case ChokeMessage:
		return peerprotocol.WriteSimple(c.conn, peerprotocol.Choke)
	case UnchokeMessage:
		return peerprotocol.WriteSimple(c.conn, peerprotocol.Unchoke)
	case InterestedMessage:
		return peerprotocol.WriteSimple(c.conn, peerprotocol.Interested)
	case NotInterestedMessage:
		return peerprotocol.WriteSimple(c.conn, peerprotocol.NotInterested)
	case peerprotocol.HaveMessage:
		return peerprotocol.WriteHave(c.conn, m)
	case peerprotocol.BitfieldMessage:
		return peerprotocol.WriteBitfield(c.conn, m.Data)
	case peerprotocol.PortMessage:
		return writePort(c.conn, m)
	default:
		return errors.New("peerconn: unsupported outbound message type")
	}
}

func writePort(w io.Writer, m peerprotocol.PortMessage) error {
	if err := peerprotocol.WriteMessageHeader(w, peerprotocol.Port, 2); err != nil {
		return err
	}
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], m.Port)
	_, err := w.Write(buf[:])
	return err
}
