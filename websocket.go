package clientserver

import (
	"bufio"
	"context"
	"io"
	"net"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/pkg/errors"
)

// WebSocketFramer carries one frame per binary WebSocket message.
//
// Control frames received between data messages are skipped; a close frame
// ends the stream with io.EOF. Pings are not answered because the receive
// side never writes to the socket.
type WebSocketFramer struct {
	// State selects masking: ws.StateClientSide or ws.StateServerSide.
	State ws.State
	// MaxSize bounds the message length. Zero means defaultMaxFrameLength.
	MaxSize int
}

func (f *WebSocketFramer) maxSize() int {
	if f.MaxSize <= 0 {
		return defaultMaxFrameLength
	}
	return f.MaxSize
}

func (f *WebSocketFramer) WriteFrame(w io.Writer, frame []byte, progress ProgressFunc) error {
	length := len(frame)
	if length > f.maxSize() {
		return errors.Wrapf(ErrMessageTooLarge, "frame of %d bytes", length)
	}

	progress.notify(Start, length, 0)
	if err := wsutil.WriteMessage(w, f.State, ws.OpBinary, frame); err != nil {
		return err
	}
	progress.notify(Complete, length, length)
	return nil
}

func (f *WebSocketFramer) ReadFrame(r io.Reader, progress ProgressFunc) ([]byte, error) {
	for {
		msgs, err := wsutil.ReadMessage(r, f.State, nil)
		if err != nil {
			if err == io.EOF {
				return nil, err
			}
			return nil, errors.Wrap(err, "read websocket message")
		}

		for _, m := range msgs {
			switch m.OpCode {
			case ws.OpClose:
				return nil, io.EOF
			case ws.OpBinary, ws.OpText:
				total := len(m.Payload)
				if total > f.maxSize() {
					return nil, errors.Wrapf(ErrMessageTooLarge, "websocket message of %d bytes", total)
				}
				progress.notify(Start, total, 0)
				progress.notify(Complete, total, total)
				return m.Payload, nil
			}
		}
	}
}

// dialWebSocket performs the client handshake against ws://addr/path.
// The returned reader holds any bytes the handshake buffered past the
// response and must be used for all further reads.
func dialWebSocket(ctx context.Context, addr, path string) (net.Conn, io.Reader, error) {
	if path == "" || path[0] != '/' {
		path = "/" + path
	}

	conn, br, _, err := ws.Dial(ctx, "ws://"+addr+path)
	if err != nil {
		return nil, nil, err
	}
	if br != nil {
		return conn, br, nil
	}
	return conn, bufio.NewReader(conn), nil
}

// upgradeWebSocket runs the server side of the handshake on an accepted socket.
func upgradeWebSocket(conn net.Conn) error {
	_, err := ws.Upgrade(conn)
	return err
}
