package clientserver

import (
	"time"

	"github.com/gobwas/ws"
)

// options holds the configuration for a connection.
type options struct {
	codec      *Codec
	framer     Framer
	compressor Compressor
	queue      Queue
	logger     Logger

	// observers registered before the I/O loops start
	messageHandlers    []MessageHandler
	disconnectHandlers []DisconnectHandler
	activityListeners  []ActivityListener

	maxReadLength int           // maximum size of a single frame
	dialTimeout   time.Duration // bound on Open for client connections
	writeTimeout  time.Duration // per-frame write deadline, 0 disables it

	webSocket     bool
	webSocketPath string
}

// Option is a function that configures connection options.
type Option func(*options)

// CodecOption sets a complete codec. It takes precedence over FramerOption
// and CompressorOption.
func CodecOption(codec *Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// FramerOption sets the frame envelope.
func FramerOption(framer Framer) Option {
	return func(o *options) {
		o.framer = framer
	}
}

// CompressorOption sets the payload compression. Both peers must agree.
func CompressorOption(compressor Compressor) Option {
	return func(o *options) {
		o.compressor = compressor
	}
}

// QueueOption replaces the outbound queue.
func QueueOption(queue Queue) Option {
	return func(o *options) {
		o.queue = queue
	}
}

// MessageMaxSize sets the maximum size of a single frame on the wire and of
// a payload after decompression. It applies to the framers built by default.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxReadLength = size
	}
}

// DialTimeoutOption bounds how long Open waits for the remote endpoint.
func DialTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = timeout
	}
}

// WriteTimeoutOption sets a deadline for writing each frame.
// A frame that cannot be written in time is a transport failure.
func WriteTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = timeout
	}
}

// WebSocketOption carries frames as binary WebSocket messages. For client
// connections path is the request path used during the handshake.
func WebSocketOption(path string) Option {
	return func(o *options) {
		o.webSocket = true
		o.webSocketPath = path
	}
}

// OnMessageOption registers a message handler before the connection starts,
// so that an accepted connection cannot miss its first message.
func OnMessageOption(h MessageHandler) Option {
	return func(o *options) {
		o.messageHandlers = append(o.messageHandlers, h)
	}
}

// OnDisconnectOption registers a disconnect handler before the connection starts.
func OnDisconnectOption(h DisconnectHandler) Option {
	return func(o *options) {
		o.disconnectHandlers = append(o.disconnectHandlers, h)
	}
}

// ActivityListenerOption registers an activity listener before the connection starts.
func ActivityListenerOption(l ActivityListener) Option {
	return func(o *options) {
		o.activityListeners = append(o.activityListeners, l)
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// checkOptions sets default values for connection options. side decides
// the WebSocket masking direction.
func checkOptions(opts *options, side ws.State) {
	if opts.maxReadLength <= 0 {
		opts.maxReadLength = defaultMaxFrameLength
	}

	if opts.codec == nil {
		framer := opts.framer
		if framer == nil {
			if opts.webSocket {
				framer = &WebSocketFramer{State: side, MaxSize: opts.maxReadLength}
			} else {
				framer = &LengthPrefixFramer{MaxSize: opts.maxReadLength}
			}
		}
		opts.codec = NewCodec(framer, opts.compressor)
	}

	if opts.queue == nil {
		opts.queue = NewQueue()
	}

	if opts.dialTimeout <= 0 {
		opts.dialTimeout = defaultDialTimeout
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
}
