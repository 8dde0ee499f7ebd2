package clientserver

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// Errors returned by connection operations.
var (
	// ErrConnect wraps every failure to establish the transport in Open.
	ErrConnect = errors.New("connect failed")
	// ErrAlreadyOpen is returned by Open on a connection that is already open.
	ErrAlreadyOpen = errors.New("connection already open")
	// ErrConnectionClosed is returned when operating on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrMessageTooLarge is returned when a frame exceeds the maximum allowed size.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrCompress is returned when a payload cannot be compressed.
	ErrCompress = errors.New("compress failed")
	// ErrDecompress is returned when a received frame cannot be decompressed.
	ErrDecompress = errors.New("decompress failed")
	// ErrInvalidAddress is returned when a client connection has no address.
	ErrInvalidAddress = errors.New("invalid remote address")
	// ErrInvalidConn is returned when an accepted connection wraps a nil socket.
	ErrInvalidConn = errors.New("invalid accepted socket")
)

// Default configuration values.
const (
	// defaultMaxFrameLength is the default maximum size of a single frame (16MB).
	defaultMaxFrameLength = 16 * 1024 * 1024
	// defaultDialTimeout bounds Open when the caller's context has no deadline.
	defaultDialTimeout = 10 * time.Second
	// frameOverhead covers envelope bytes on top of the frame body.
	frameOverhead = 64
)

// limitedReader wraps a reader and returns ErrMessageTooLarge when the limit is exceeded.
type limitedReader struct {
	r         io.Reader
	remaining int64
}

func newLimitedReader(r io.Reader, limit int64) *limitedReader {
	return &limitedReader{r: r, remaining: limit}
}

func (l *limitedReader) Read(p []byte) (n int, err error) {
	if l.remaining <= 0 {
		return 0, ErrMessageTooLarge
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err = l.r.Read(p)
	l.remaining -= int64(n)
	return
}

// reset resets the limit counter for reuse with a new message.
// Only remaining is reset because the underlying reader (bufio.Reader)
// maintains its own buffer state and continues reading from where it left off.
func (l *limitedReader) reset(limit int64) {
	l.remaining = limit
}

// SocketConnection is a Connection over a stream socket. It owns one
// outbound Queue, a send loop writing that queue to the socket and a
// receive loop dispatching inbound frames to message handlers.
type SocketConnection struct {
	id     string
	addr   string
	logger Logger
	codec  *Codec
	queue  Queue
	opts   options

	openMu        sync.Mutex
	rawConn       net.Conn
	limitedReader *limitedReader
	writer        *bufio.Writer

	state      *atomic.Int32
	lastErr    *atomic.String
	fired      *atomic.Bool
	stop       chan struct{}
	done       chan struct{}
	socketOnce sync.Once

	messageHandlers    registry[MessageHandler]
	disconnectHandlers registry[DisconnectHandler]
	activityListeners  registry[ActivityListener]
}

var _ Connection = (*SocketConnection)(nil)

// NewSocketConnection creates a client connection to addr ("host:port").
// The connection starts unopened; call Open to connect. An empty id is
// replaced by a random UUID.
func NewSocketConnection(id, addr string, opt ...Option) (*SocketConnection, error) {
	if addr == "" {
		return nil, ErrInvalidAddress
	}

	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts, ws.StateClientSide)

	return newSocketConnection(id, addr, opts), nil
}

// NewAcceptedConnection wraps a socket accepted by a listener. The
// connection is open on return and both I/O loops are running, so handlers
// that must see the first message have to be passed as options.
func NewAcceptedConnection(id string, conn net.Conn, opt ...Option) (*SocketConnection, error) {
	c, err := prepareAccepted(id, conn, opt...)
	if err != nil {
		return nil, err
	}
	if err := c.attach(conn); err != nil {
		return nil, err
	}
	return c, nil
}

// prepareAccepted runs the optional WebSocket upgrade and builds an
// unopened connection around conn. attach starts it.
func prepareAccepted(id string, conn net.Conn, opt ...Option) (*SocketConnection, error) {
	if conn == nil {
		return nil, ErrInvalidConn
	}

	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts, ws.StateServerSide)

	if opts.webSocket {
		if err := upgradeWebSocket(conn); err != nil {
			return nil, errors.Wrap(err, "websocket upgrade")
		}
	}

	return newSocketConnection(id, conn.RemoteAddr().String(), opts), nil
}

// attach opens c on an already connected socket. It fails with
// ErrConnectionClosed, closing conn, if c was closed first.
func (c *SocketConnection) attach(conn net.Conn) error {
	c.openMu.Lock()
	defer c.openMu.Unlock()
	return c.start(conn, bufio.NewReader(conn))
}

func newSocketConnection(id, addr string, opts options) *SocketConnection {
	if id == "" {
		id = uuid.NewString()
	}

	c := &SocketConnection{
		id:      id,
		addr:    addr,
		logger:  opts.logger,
		codec:   opts.codec,
		queue:   opts.queue,
		opts:    opts,
		state:   atomic.NewInt32(int32(StateUnopened)),
		lastErr: atomic.NewString(""),
		fired:   atomic.NewBool(false),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	for _, h := range opts.messageHandlers {
		c.messageHandlers.add(h)
	}
	for _, h := range opts.disconnectHandlers {
		c.disconnectHandlers.add(h)
	}
	for _, l := range opts.activityListeners {
		c.activityListeners.add(l)
	}

	return c
}

// Open connects to the remote endpoint and starts the I/O loops.
// ctx bounds only the connect phase; once open, the connection lives
// until Close or a transport failure.
func (c *SocketConnection) Open(ctx context.Context) error {
	c.openMu.Lock()
	defer c.openMu.Unlock()

	switch c.State() {
	case StateOpen:
		return ErrAlreadyOpen
	case StateClosing, StateClosed:
		return ErrConnectionClosed
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.dialTimeout)
	defer cancel()

	conn, reader, err := c.dial(ctx)
	if err != nil {
		c.lastErr.Store(err.Error())
		c.logger.Error("connect failed", "id", c.id, "addr", c.addr, "error", err)
		return errors.Wrapf(ErrConnect, "%s: %v", c.addr, err)
	}

	return c.start(conn, reader)
}

func (c *SocketConnection) dial(ctx context.Context) (net.Conn, io.Reader, error) {
	if c.opts.webSocket {
		return dialWebSocket(ctx, c.addr, c.opts.webSocketPath)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return conn, bufio.NewReader(conn), nil
}

// start moves the connection to StateOpen and launches both loops.
func (c *SocketConnection) start(conn net.Conn, reader io.Reader) error {
	c.rawConn = conn
	c.limitedReader = newLimitedReader(reader, c.readLimit())
	c.writer = bufio.NewWriter(conn)

	if !c.state.CompareAndSwap(int32(StateUnopened), int32(StateOpen)) {
		_ = conn.Close()
		return ErrConnectionClosed
	}

	c.logger.Info("connection established", "id", c.id, "addr", c.addr)
	c.logger.Debug("connection options", "id", c.id,
		"compression", c.codec.Compressor().Name(),
		"max_read_length", c.opts.maxReadLength,
		"write_timeout", c.opts.writeTimeout,
		"websocket", c.opts.webSocket)

	var group errgroup.Group
	group.Go(c.sendLoop)
	group.Go(c.receiveLoop)
	go c.supervise(&group)

	return nil
}

// supervise waits for both loops, then completes Closing → Closed.
func (c *SocketConnection) supervise(group *errgroup.Group) {
	err := group.Wait()
	c.closeSocket()
	c.state.Store(int32(StateClosed))

	if err != nil {
		c.logger.Info("connection closed with error", "id", c.id, "addr", c.addr, "error", err)
	} else {
		c.logger.Info("connection closed", "id", c.id, "addr", c.addr)
	}

	c.fireDisconnect()
	close(c.done)
}

// Close stops both loops and releases the socket. Safe to call multiple
// times. Errors while closing the socket are logged, never returned.
//
// Closing an unopened connection waits for a concurrent Open to finish and
// does not notify disconnect handlers, since nothing was ever connected.
func (c *SocketConnection) Close() error {
	if c.State() == StateUnopened {
		c.openMu.Lock()
		closed := c.state.CompareAndSwap(int32(StateUnopened), int32(StateClosed))
		c.openMu.Unlock()
		if closed {
			close(c.done)
			return nil
		}
	}
	c.shutdown()
	return nil
}

// shutdown performs Open → Closing. Only the first caller wins.
func (c *SocketConnection) shutdown() bool {
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return false
	}
	close(c.stop)
	c.closeSocket()
	return true
}

func (c *SocketConnection) closeSocket() {
	c.socketOnce.Do(func() {
		if err := c.rawConn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.logger.Warn("socket close failed", "id", c.id, "error", err)
		}
	})
}

// fail records a transport failure and begins Closing. Failures observed
// after a local Close are the expected result of closing the socket and are
// not recorded.
func (c *SocketConnection) fail(op string, err error) error {
	if c.State() != StateOpen {
		return nil
	}

	c.lastErr.Store(err.Error())
	if errors.Is(err, io.EOF) {
		c.logger.Info("connection closed by peer", "id", c.id, "addr", c.addr)
	} else {
		c.logger.Error(op+" failed", "id", c.id, "addr", c.addr, "error", err)
	}

	c.shutdown()
	return err
}

// fireDisconnect notifies disconnect handlers at most once.
func (c *SocketConnection) fireDisconnect() {
	if !c.fired.CompareAndSwap(false, true) {
		return
	}

	for _, h := range c.disconnectHandlers.snapshot() {
		func() {
			defer c.recoverObserver("disconnect handler")
			h.HandleDisconnect(c)
		}()
	}
}

// SendMessage queues payload for the send loop and returns immediately.
// Messages sent after Close are dropped.
func (c *SocketConnection) SendMessage(channel string, payload []byte) {
	if c.State() >= StateClosing {
		c.logger.Debug("message dropped on closed connection", "id", c.id, "channel", channel, "bytes", len(payload))
		return
	}
	c.queue.Enqueue(Message{Channel: channel, Payload: payload})
}

// sendLoop drains the queue onto the socket until stop is requested or a
// write fails. It blocks on the queue's Ready channel while idle.
func (c *SocketConnection) sendLoop() error {
	for {
		select {
		case <-c.stop:
			return nil
		default:
		}

		msg, ok := c.queue.Dequeue()
		if !ok {
			select {
			case <-c.stop:
				return nil
			case <-c.queue.Ready():
				continue
			}
		}

		if err := c.write(msg); err != nil {
			return c.fail("write", err)
		}
	}
}

// write frames one message. The buffer is flushed once the queue is
// drained so bursts share socket writes.
func (c *SocketConnection) write(msg Message) error {
	if c.opts.writeTimeout > 0 {
		_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
	}

	if err := c.codec.WriteMessage(c.writer, msg.Payload, c.progress(Outbound)); err != nil {
		return err
	}

	if c.queue.HasPending() {
		return nil
	}
	return c.writer.Flush()
}

// receiveLoop reads one frame at a time and dispatches it, until the
// socket fails or is closed.
func (c *SocketConnection) receiveLoop() error {
	for {
		c.limitedReader.reset(c.readLimit())

		payload, err := c.codec.ReadMessage(c.limitedReader, c.progress(Inbound))
		if err != nil {
			return c.fail("read", err)
		}

		c.dispatch(payload)
	}
}

// dispatch hands payload to every message handler. All handlers share the
// same slice and must not modify it. A panicking handler is logged and the
// remaining handlers still run.
func (c *SocketConnection) dispatch(payload []byte) {
	handlers := c.messageHandlers.snapshot()
	if len(handlers) == 0 {
		c.logger.Warn("message received but no message handlers registered", "id", c.id, "bytes", len(payload))
		return
	}

	for _, h := range handlers {
		func() {
			defer c.recoverObserver("message handler")
			h.HandleMessage(c.id, payload)
		}()
	}
}

func (c *SocketConnection) progress(dir Direction) ProgressFunc {
	listeners := c.activityListeners.snapshot()
	if len(listeners) == 0 {
		return nil
	}

	return func(state ActivityState, total, current int) {
		for _, l := range listeners {
			func() {
				defer c.recoverObserver("activity listener")
				l.Notify(dir, state, total, current)
			}()
		}
	}
}

func (c *SocketConnection) recoverObserver(kind string) {
	if r := recover(); r != nil {
		c.logger.Error(kind+" panicked", "id", c.id, "panic", r)
	}
}

func (c *SocketConnection) readLimit() int64 {
	return int64(c.opts.maxReadLength) + frameOverhead
}

// ID returns the stable identifier of the connection.
func (c *SocketConnection) ID() string {
	return c.id
}

// IsAlive reports whether the socket is open. A peer that vanished
// without closing is only noticed by the next failed read or write.
func (c *SocketConnection) IsAlive() bool {
	return c.State() == StateOpen
}

// State returns the current lifecycle state.
func (c *SocketConnection) State() State {
	return State(c.state.Load())
}

// Err returns the last recorded error description, or "".
func (c *SocketConnection) Err() string {
	return c.lastErr.Load()
}

// Done is closed once the connection is Closed and disconnect handlers
// have returned.
func (c *SocketConnection) Done() <-chan struct{} {
	return c.done
}

// Pending returns the number of queued outbound messages.
func (c *SocketConnection) Pending() int {
	return c.queue.Len()
}

// Addr returns the remote address of the connection, or nil before Open.
func (c *SocketConnection) Addr() net.Addr {
	if c.State() == StateUnopened || c.rawConn == nil {
		return nil
	}
	return c.rawConn.RemoteAddr()
}

func (c *SocketConnection) AddMessageHandler(h MessageHandler) {
	c.messageHandlers.add(h)
}

func (c *SocketConnection) RemoveMessageHandler(h MessageHandler) {
	c.messageHandlers.remove(h)
}

func (c *SocketConnection) AddDisconnectHandler(h DisconnectHandler) {
	c.disconnectHandlers.add(h)
}

func (c *SocketConnection) RemoveDisconnectHandler(h DisconnectHandler) {
	c.disconnectHandlers.remove(h)
}

func (c *SocketConnection) AddActivityListener(l ActivityListener) {
	c.activityListeners.add(l)
}

func (c *SocketConnection) RemoveActivityListener(l ActivityListener) {
	c.activityListeners.remove(l)
}
