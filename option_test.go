package clientserver

import (
	"testing"
	"time"

	"github.com/gobwas/ws"
)

func TestCodecOption(t *testing.T) {
	codec := NewCodec(nil, Snappy{})
	opt := CodecOption(codec)

	var opts options
	opt(&opts)

	if opts.codec != codec {
		t.Error("codec not set correctly")
	}
}

func TestCodecOption_TakesPrecedence(t *testing.T) {
	codec := NewCodec(nil, Snappy{})

	opts := options{}
	CodecOption(codec)(&opts)
	CompressorOption(Deflate{})(&opts)
	checkOptions(&opts, ws.StateClientSide)

	if opts.codec != codec {
		t.Error("explicit codec was replaced")
	}
}

func TestFramerOption(t *testing.T) {
	framer := &LengthPrefixFramer{MaxSize: 10}

	var opts options
	FramerOption(framer)(&opts)
	checkOptions(&opts, ws.StateClientSide)

	if opts.codec.Framer() != framer {
		t.Error("framer not used by the codec")
	}
}

func TestCompressorOption(t *testing.T) {
	var opts options
	CompressorOption(Snappy{})(&opts)
	checkOptions(&opts, ws.StateClientSide)

	if name := opts.codec.Compressor().Name(); name != "snappy" {
		t.Errorf("compressor = %s, want snappy", name)
	}
}

func TestQueueOption(t *testing.T) {
	queue := NewQueue()

	var opts options
	QueueOption(queue)(&opts)
	checkOptions(&opts, ws.StateClientSide)

	if opts.queue != queue {
		t.Error("queue not set correctly")
	}
}

func TestMessageMaxSize(t *testing.T) {
	opt := MessageMaxSize(4096)

	var opts options
	opt(&opts)

	if opts.maxReadLength != 4096 {
		t.Errorf("maxReadLength = %d, want 4096", opts.maxReadLength)
	}

	checkOptions(&opts, ws.StateClientSide)
	framer, ok := opts.codec.Framer().(*LengthPrefixFramer)
	if !ok {
		t.Fatalf("framer = %T, want *LengthPrefixFramer", opts.codec.Framer())
	}
	if framer.MaxSize != 4096 {
		t.Errorf("framer.MaxSize = %d, want 4096", framer.MaxSize)
	}
}

func TestDialTimeoutOption(t *testing.T) {
	var opts options
	DialTimeoutOption(time.Second)(&opts)

	if opts.dialTimeout != time.Second {
		t.Errorf("dialTimeout = %v, want 1s", opts.dialTimeout)
	}
}

func TestWriteTimeoutOption(t *testing.T) {
	var opts options
	WriteTimeoutOption(3 * time.Second)(&opts)

	if opts.writeTimeout != 3*time.Second {
		t.Errorf("writeTimeout = %v, want 3s", opts.writeTimeout)
	}
}

func TestWebSocketOption(t *testing.T) {
	for _, side := range []ws.State{ws.StateClientSide, ws.StateServerSide} {
		var opts options
		WebSocketOption("/table")(&opts)
		checkOptions(&opts, side)

		if !opts.webSocket || opts.webSocketPath != "/table" {
			t.Errorf("websocket = %v path = %q", opts.webSocket, opts.webSocketPath)
		}

		framer, ok := opts.codec.Framer().(*WebSocketFramer)
		if !ok {
			t.Fatalf("framer = %T, want *WebSocketFramer", opts.codec.Framer())
		}
		if framer.State != side {
			t.Errorf("framer.State = %v, want %v", framer.State, side)
		}
	}
}

func TestObserverOptions(t *testing.T) {
	var opts options
	OnMessageOption(&messageRecorder{})(&opts)
	OnMessageOption(&messageRecorder{})(&opts)
	OnDisconnectOption(&disconnectCounter{})(&opts)
	ActivityListenerOption(&activityRecorder{})(&opts)

	if len(opts.messageHandlers) != 2 {
		t.Errorf("messageHandlers = %d, want 2", len(opts.messageHandlers))
	}
	if len(opts.disconnectHandlers) != 1 {
		t.Errorf("disconnectHandlers = %d, want 1", len(opts.disconnectHandlers))
	}
	if len(opts.activityListeners) != 1 {
		t.Errorf("activityListeners = %d, want 1", len(opts.activityListeners))
	}
}

func TestLoggerOption(t *testing.T) {
	logger := &mockLogger{}
	opt := LoggerOption(logger)

	var opts options
	opt(&opts)

	if opts.logger != logger {
		t.Error("logger not set correctly")
	}
}

func TestCheckOptions_Defaults(t *testing.T) {
	var opts options
	checkOptions(&opts, ws.StateClientSide)

	if opts.maxReadLength != defaultMaxFrameLength {
		t.Errorf("maxReadLength = %d, want %d", opts.maxReadLength, defaultMaxFrameLength)
	}
	if opts.codec == nil {
		t.Fatal("codec not set")
	}
	if _, ok := opts.codec.Framer().(*LengthPrefixFramer); !ok {
		t.Errorf("framer = %T, want *LengthPrefixFramer", opts.codec.Framer())
	}
	if name := opts.codec.Compressor().Name(); name != "zstd" {
		t.Errorf("compressor = %s, want zstd", name)
	}
	if opts.queue == nil {
		t.Error("queue not set")
	}
	if opts.dialTimeout != defaultDialTimeout {
		t.Errorf("dialTimeout = %v, want %v", opts.dialTimeout, defaultDialTimeout)
	}
	if opts.writeTimeout != 0 {
		t.Errorf("writeTimeout = %v, want 0", opts.writeTimeout)
	}
	if opts.logger == nil {
		t.Error("logger not set")
	}
}
