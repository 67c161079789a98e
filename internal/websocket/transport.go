package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	socket "github.com/TopGunBuild/socket-sub001"
	"github.com/TopGunBuild/socket-sub001/internal/protocol"
)

const (
	writeWait        = 10 * time.Second
	closeGracePeriod = time.Second
	sendBufferSize   = 256
)

// Transport is the full-duplex message channel a socket runs on. ReadMessage
// is only ever called from one goroutine; WriteMessage and Close may be
// called concurrently.
type Transport interface {
	// ReadMessage blocks for the next frame. Once the connection ends it
	// returns a *CloseError.
	ReadMessage() (protocol.MessageType, []byte, error)
	WriteMessage(mt protocol.MessageType, data []byte) error
	// Close sends a close frame after any queued frames and releases the
	// connection.
	Close(code int, reason string) error
	RemoteAddr() string
}

// CloseError describes how a transport ended.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connection closed: %d (%s)", e.Code, socket.CloseCodeMessage(e.Code))
	}
	return fmt.Sprintf("connection closed: %d (%s) - %s", e.Code, socket.CloseCodeMessage(e.Code), e.Reason)
}

// Dialer opens client transports.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Transport, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, url string, header http.Header) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, url string, header http.Header) (Transport, error) {
	return f(ctx, url, header)
}

// GorillaDialer dials with a gorilla websocket.Dialer. A nil Dialer uses
// websocket.DefaultDialer.
type GorillaDialer struct {
	Dialer *websocket.Dialer
}

func (d GorillaDialer) Dial(ctx context.Context, url string, header http.Header) (Transport, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return newConnTransport(conn), nil
}

type outboundFrame struct {
	mt   int
	data []byte
}

// connTransport wraps a gorilla connection. Writes are funnelled through a
// single write pump since gorilla allows only one concurrent writer.
type connTransport struct {
	conn   *websocket.Conn
	sendCh chan outboundFrame
	done   chan struct{}

	closeOnce    sync.Once
	shutdownOnce sync.Once
}

func newConnTransport(conn *websocket.Conn) *connTransport {
	t := &connTransport{
		conn:   conn,
		sendCh: make(chan outboundFrame, sendBufferSize),
		done:   make(chan struct{}),
	}
	go t.writePump()
	return t
}

func (t *connTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

func (t *connTransport) ReadMessage() (protocol.MessageType, []byte, error) {
	mt, data, err := t.conn.ReadMessage()
	if err == nil {
		return protocol.MessageType(mt), data, nil
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return 0, nil, &CloseError{Code: ce.Code, Reason: ce.Text}
	}
	return 0, nil, &CloseError{Code: socket.StatusAbnormalClosure, Reason: err.Error()}
}

func (t *connTransport) WriteMessage(mt protocol.MessageType, data []byte) error {
	select {
	case <-t.done:
		return errors.New(socket.ErrConnectionClosed)
	default:
	}
	select {
	case t.sendCh <- outboundFrame{mt: int(mt), data: data}:
		return nil
	case <-t.done:
		return errors.New(socket.ErrConnectionClosed)
	}
}

func (t *connTransport) Close(code int, reason string) error {
	t.closeOnce.Do(func() {
		if code == websocket.CloseNoStatusReceived || code == websocket.CloseAbnormalClosure {
			// reserved codes never go on the wire
			t.shutdown()
			return
		}
		msg := websocket.FormatCloseMessage(code, truncateReason(reason))
		select {
		case t.sendCh <- outboundFrame{mt: websocket.CloseMessage, data: msg}:
			select {
			case <-t.done:
			case <-time.After(closeGracePeriod):
			}
		case <-t.done:
		default:
			t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		}
		t.shutdown()
	})
	return nil
}

// truncateReason keeps a close reason within the 123 bytes a close frame
// allows.
func truncateReason(reason string) string {
	const maxReason = 123
	if len(reason) <= maxReason {
		return reason
	}
	return reason[:maxReason]
}

func (t *connTransport) shutdown() {
	t.shutdownOnce.Do(func() {
		close(t.done)
		t.conn.Close()
	})
}

// writePump pumps frames from the send channel to the connection.
func (t *connTransport) writePump() {
	defer t.shutdown()
	for {
		select {
		case frame := <-t.sendCh:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(frame.mt, frame.data); err != nil {
				return
			}
			if frame.mt == websocket.CloseMessage {
				return
			}
		case <-t.done:
			return
		}
	}
}

// NewPipe returns two connected in-memory transports. Frames written on one
// end are read from the other; closing either end closes both.
func NewPipe() (Transport, Transport) {
	state := &pipeState{done: make(chan struct{})}
	ab := make(chan outboundFrame, sendBufferSize)
	ba := make(chan outboundFrame, sendBufferSize)
	return &pipeEnd{state: state, in: ba, out: ab, addr: "pipe-a"},
		&pipeEnd{state: state, in: ab, out: ba, addr: "pipe-b"}
}

type pipeState struct {
	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	code   int
	reason string
}

type pipeEnd struct {
	state *pipeState
	in    <-chan outboundFrame
	out   chan<- outboundFrame
	addr  string
}

func (p *pipeEnd) RemoteAddr() string { return p.addr }

func (p *pipeEnd) ReadMessage() (protocol.MessageType, []byte, error) {
	select {
	case f := <-p.in:
		return protocol.MessageType(f.mt), f.data, nil
	default:
	}
	select {
	case f := <-p.in:
		return protocol.MessageType(f.mt), f.data, nil
	case <-p.state.done:
		p.state.mu.Lock()
		defer p.state.mu.Unlock()
		return 0, nil, &CloseError{Code: p.state.code, Reason: p.state.reason}
	}
}

func (p *pipeEnd) WriteMessage(mt protocol.MessageType, data []byte) error {
	select {
	case <-p.state.done:
		return errors.New(socket.ErrConnectionClosed)
	default:
	}
	select {
	case p.out <- outboundFrame{mt: int(mt), data: data}:
		return nil
	case <-p.state.done:
		return errors.New(socket.ErrConnectionClosed)
	}
}

func (p *pipeEnd) Close(code int, reason string) error {
	p.state.once.Do(func() {
		p.state.mu.Lock()
		p.state.code = code
		p.state.reason = reason
		p.state.mu.Unlock()
		close(p.state.done)
	})
	return nil
}

var (
	_ Transport = (*connTransport)(nil)
	_ Transport = (*pipeEnd)(nil)
)
