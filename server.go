package clientserver

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// ErrUnknownClient is returned when addressing a client id the server does not hold.
var ErrUnknownClient = errors.New("unknown client")

// ServerObserver is told about clients joining and leaving the pool.
// ConnectionRemoved is called exactly once for every ConnectionAdded, and
// always after it. Observers must not call Server.Close.
type ServerObserver interface {
	ConnectionAdded(conn Connection)
	ConnectionRemoved(conn Connection)
}

// HandshakeFunc decides whether an accepted socket may join the pool.
// It runs before the socket is wrapped and may read from or write to it.
type HandshakeFunc func(id string, conn net.Conn) bool

// Server accepts TCP clients, wraps each one in a SocketConnection and
// keeps them in a pool addressed by connection id. Messages from every
// client are funnelled through a single dispatch goroutine to the server's
// own message handlers.
type Server struct {
	listener        *net.TCPListener
	logger          Logger
	shutdownTimeout time.Duration
	handshake       HandshakeFunc
	connOpts        []Option

	mu          sync.Mutex
	shutdown    bool
	shutdownNow chan struct{} // signals immediate shutdown, bypassing timeout

	nextID    *atomic.Int64
	clientsMu sync.Mutex
	clients   map[string]*SocketConnection
	closed    bool                      // guarded by clientsMu
	pending   map[*net.TCPConn]struct{} // accepted sockets not yet pooled
	setup     sync.WaitGroup            // accepts past the handshake

	observers       registry[ServerObserver]
	messageHandlers registry[MessageHandler]

	inbound      *fifo[inboundMessage]
	dispatchStop chan struct{}
	dispatchDone chan struct{}
	closeOnce    sync.Once
}

type inboundMessage struct {
	id      string
	payload []byte
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server and, unless
// overridden by ServerConnOptions, for its client connections.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerShutdownTimeoutOption sets the graceful shutdown timeout.
// When the context is canceled, the server will wait up to this duration
// before it stops accepting. Default is 0 (immediate shutdown).
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// ServerHandshakeOption sets the check every accepted socket must pass.
func ServerHandshakeOption(fn HandshakeFunc) ServerOption {
	return func(s *Server) {
		s.handshake = fn
	}
}

// ServerConnOptions sets the options applied to every client connection,
// for example CompressorOption or WebSocketOption.
func ServerConnOptions(opts ...Option) ServerOption {
	return func(s *Server) {
		s.connOpts = append(s.connOpts, opts...)
	}
}

// NewServer creates a new TCP server bound to the specified address.
// Returns an error if the address cannot be bound.
func NewServer(addr *net.TCPAddr, opts ...ServerOption) (*Server, error) {
	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		listener:     listener,
		logger:       slog.Default(),
		shutdownNow:  make(chan struct{}),
		nextID:       atomic.NewInt64(0),
		clients:      make(map[string]*SocketConnection),
		pending:      make(map[*net.TCPConn]struct{}),
		inbound:      newFIFO[inboundMessage](),
		dispatchStop: make(chan struct{}),
		dispatchDone: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.dispatchLoop()

	return s, nil
}

// Serve starts accepting connections and adding them to the pool.
// It blocks until the context is canceled or an unrecoverable error occurs.
// When the context is canceled, it stops accepting new connections; clients
// already in the pool stay connected until Close.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("server started", "addr", s.listener.Addr())

	go func() {
		<-ctx.Done()

		if s.shutdownTimeout > 0 {
			s.logger.Info("graceful shutdown initiated", "timeout", s.shutdownTimeout)
			select {
			case <-time.After(s.shutdownTimeout):
			case <-s.shutdownNow:
				s.logger.Debug("shutdown timeout bypassed via Close()")
			}
		}

		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		// Set a deadline to unblock Accept
		_ = s.listener.SetDeadline(time.Now())
	}()

	for {
		conn, err := s.listener.AcceptTCP()
		if err != nil {
			s.mu.Lock()
			isShutdown := s.shutdown
			s.mu.Unlock()

			if isShutdown {
				s.logger.Info("server stopped", "addr", s.listener.Addr())
				return ctx.Err()
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			return err
		}

		s.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr())
		_ = conn.SetNoDelay(true)
		go s.accept(conn)
	}
}

// nextClientID names a client after its remote host and an accept counter.
func (s *Server) nextClientID(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}
	return host + "-" + strconv.FormatInt(s.nextID.Inc()-1, 10)
}

func (s *Server) accept(raw *net.TCPConn) {
	if !s.track(raw) {
		_ = raw.Close()
		return
	}

	id := s.nextClientID(raw)

	if s.handshake != nil && !s.handshake(id, raw) {
		s.logger.Info("client rejected by handshake", "id", id, "addr", raw.RemoteAddr())
		s.drop(raw)
		return
	}

	if !s.beginSetup() {
		s.logger.Debug("client dropped, server closed", "id", id)
		s.drop(raw)
		return
	}
	defer s.setup.Done()

	opts := make([]Option, 0, len(s.connOpts)+3)
	opts = append(opts, LoggerOption(s.logger))
	opts = append(opts, s.connOpts...)
	opts = append(opts, OnMessageOption(s), OnDisconnectOption(s))

	conn, err := prepareAccepted(id, raw, opts...)
	if err != nil {
		s.logger.Error("client setup failed", "id", id, "error", err)
		s.drop(raw)
		return
	}

	s.clientsMu.Lock()
	delete(s.pending, raw)
	if s.closed {
		s.clientsMu.Unlock()
		_ = conn.Close()
		_ = raw.Close()
		return
	}
	dead := s.reapLocked()
	s.clients[id] = conn
	s.clientsMu.Unlock()

	s.fireRemoved(dead)
	s.logger.Debug("client added", "id", id)
	for _, o := range s.observers.snapshot() {
		o.ConnectionAdded(conn)
	}

	// loops start only now, so a disconnect cannot overtake ConnectionAdded
	if err := conn.attach(raw); err != nil {
		s.HandleDisconnect(conn)
	}
}

// track records an accepted socket so that Close can interrupt its
// handshake. It reports false once the server is closed.
func (s *Server) track(raw *net.TCPConn) bool {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	if s.closed {
		return false
	}
	s.pending[raw] = struct{}{}
	return true
}

// drop forgets and closes a socket that never made it into the pool.
func (s *Server) drop(raw *net.TCPConn) {
	s.clientsMu.Lock()
	delete(s.pending, raw)
	s.clientsMu.Unlock()
	_ = raw.Close()
}

// beginSetup registers an accept that passed the handshake; Close waits for
// it to finish.
func (s *Server) beginSetup() bool {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	if s.closed {
		return false
	}
	s.setup.Add(1)
	return true
}

// reapLocked removes closed clients from the pool and returns them.
// Pooled clients whose loops have not started yet are kept.
// clientsMu must be held.
func (s *Server) reapLocked() []*SocketConnection {
	var dead []*SocketConnection
	for id, conn := range s.clients {
		if st := conn.State(); st == StateUnopened || st == StateOpen {
			continue
		}
		s.logger.Debug("reaping client", "id", id)
		delete(s.clients, id)
		dead = append(dead, conn)
	}
	return dead
}

func (s *Server) fireRemoved(conns []*SocketConnection) {
	for _, conn := range conns {
		_ = conn.Close()
		for _, o := range s.observers.snapshot() {
			o.ConnectionRemoved(conn)
		}
	}
}

// HandleDisconnect removes a client from the pool once its connection ends.
func (s *Server) HandleDisconnect(conn Connection) {
	s.clientsMu.Lock()
	pooled, ok := s.clients[conn.ID()]
	if ok && Connection(pooled) == conn {
		delete(s.clients, conn.ID())
	}
	s.clientsMu.Unlock()

	if ok && Connection(pooled) == conn {
		s.logger.Debug("client disconnected", "id", conn.ID())
		s.fireRemoved([]*SocketConnection{pooled})
	}
}

// HandleMessage queues a client message for the dispatch goroutine.
func (s *Server) HandleMessage(id string, payload []byte) {
	s.inbound.Enqueue(inboundMessage{id: id, payload: payload})
}

// dispatchLoop hands client messages to the server's handlers in arrival
// order. A panicking handler is logged and does not stop the loop.
func (s *Server) dispatchLoop() {
	defer close(s.dispatchDone)

	for {
		msg, ok := s.inbound.Dequeue()
		if !ok {
			select {
			case <-s.dispatchStop:
				return
			case <-s.inbound.Ready():
				continue
			}
		}

		handlers := s.messageHandlers.snapshot()
		if len(handlers) == 0 {
			s.logger.Warn("message received but no message handlers registered", "id", msg.id)
			continue
		}
		for _, h := range handlers {
			s.handle(h, msg)
		}
	}
}

func (s *Server) handle(h MessageHandler, msg inboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("server message handler panicked", "id", msg.id, "panic", r)
		}
	}()
	h.HandleMessage(msg.id, msg.payload)
}

// Broadcast sends payload to every client on the default channel.
func (s *Server) Broadcast(payload []byte) {
	s.BroadcastExcept(nil, payload)
}

// BroadcastExcept sends payload to every client whose id is not in exclude.
func (s *Server) BroadcastExcept(exclude []string, payload []byte) {
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	for _, conn := range s.snapshotClients() {
		if _, ok := skip[conn.ID()]; ok {
			continue
		}
		conn.SendMessage(DefaultChannel, payload)
	}
}

// SendTo queues payload for the client with the given id.
func (s *Server) SendTo(id, channel string, payload []byte) error {
	conn := s.Client(id)
	if conn == nil {
		return errors.Wrap(ErrUnknownClient, id)
	}
	conn.SendMessage(channel, payload)
	return nil
}

// Client returns the pooled connection with the given id, or nil.
func (s *Server) Client(id string) *SocketConnection {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return s.clients[id]
}

// Clients returns the ids of all pooled connections.
func (s *Server) Clients() []string {
	conns := s.snapshotClients()
	ids := make([]string, 0, len(conns))
	for _, conn := range conns {
		ids = append(ids, conn.ID())
	}
	return ids
}

func (s *Server) snapshotClients() []*SocketConnection {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	conns := make([]*SocketConnection, 0, len(s.clients))
	for _, conn := range s.clients {
		conns = append(conns, conn)
	}
	return conns
}

func (s *Server) AddObserver(o ServerObserver) {
	s.observers.add(o)
}

func (s *Server) RemoveObserver(o ServerObserver) {
	s.observers.remove(o)
}

// AddMessageHandler registers a handler for messages from any client.
func (s *Server) AddMessageHandler(h MessageHandler) {
	s.messageHandlers.add(h)
}

func (s *Server) RemoveMessageHandler(h MessageHandler) {
	s.messageHandlers.remove(h)
}

// Close stops the server by closing the underlying listener, aborts clients
// still in their handshake, closes every pooled client and waits for them
// to finish. If a shutdown timeout is
// configured, Close() bypasses the remaining timeout.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	// Signal to bypass any pending shutdown timeout
	select {
	case s.shutdownNow <- struct{}{}:
	default:
	}

	err := s.listener.Close()

	// no client joins the pool after this point
	s.clientsMu.Lock()
	s.closed = true
	for raw := range s.pending {
		_ = raw.Close()
	}
	s.clientsMu.Unlock()
	s.setup.Wait()

	var group errgroup.Group
	for _, conn := range s.snapshotClients() {
		conn := conn
		group.Go(func() error {
			_ = conn.Close()
			<-conn.Done()
			return nil
		})
	}
	_ = group.Wait()

	s.closeOnce.Do(func() {
		close(s.dispatchStop)
	})
	<-s.dispatchDone

	return err
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
