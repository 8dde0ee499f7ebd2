package clientserver

import (
	"io"

	"github.com/pkg/errors"
)

// Codec is the framing codec of a connection: payloads are compressed and
// then framed on the way out, unframed and then decompressed on the way in.
//
// Compression is a fixed property of the codec; both peers must use the
// same Framer and Compressor. Empty payloads travel as empty frames and are
// never passed to the Compressor.
type Codec struct {
	framer     Framer
	compressor Compressor
}

// NewCodec combines framer and compressor. Nil arguments select the
// defaults: a LengthPrefixFramer and Zstd.
func NewCodec(framer Framer, compressor Compressor) *Codec {
	if framer == nil {
		framer = &LengthPrefixFramer{}
	}
	if compressor == nil {
		compressor = Zstd{}
	}
	return &Codec{framer: framer, compressor: compressor}
}

// DefaultCodec returns the length-prefixed, zstd-compressed codec.
func DefaultCodec() *Codec {
	return NewCodec(nil, nil)
}

// Framer returns the frame envelope used by c.
func (c *Codec) Framer() Framer {
	return c.framer
}

// Compressor returns the compression algorithm used by c.
func (c *Codec) Compressor() Compressor {
	return c.compressor
}

// maxSize bounds payloads in both directions, before compression and after
// decompression. It follows the framer's limit when the framer has one.
func (c *Codec) maxSize() int {
	if f, ok := c.framer.(interface{ maxSize() int }); ok {
		return f.maxSize()
	}
	return defaultMaxFrameLength
}

// WriteMessage compresses payload and writes it to w as a single frame.
func (c *Codec) WriteMessage(w io.Writer, payload []byte, progress ProgressFunc) error {
	if len(payload) > c.maxSize() {
		return errors.Wrapf(ErrMessageTooLarge, "payload of %d bytes", len(payload))
	}

	frame := payload
	if len(payload) > 0 {
		var err error
		frame, err = c.compressor.Compress(payload)
		if err != nil {
			return errors.Wrapf(ErrCompress, "%s: %v", c.compressor.Name(), err)
		}
	}
	return c.framer.WriteFrame(w, frame, progress)
}

// ReadMessage reads exactly one frame from r and returns the decompressed
// payload. It never returns a partial message.
func (c *Codec) ReadMessage(r io.Reader, progress ProgressFunc) ([]byte, error) {
	frame, err := c.framer.ReadFrame(r, progress)
	if err != nil {
		return nil, err
	}
	if len(frame) == 0 {
		return []byte{}, nil
	}

	payload, err := c.compressor.Decompress(frame, c.maxSize())
	if errors.Is(err, ErrMessageTooLarge) {
		return nil, errors.Wrap(err, c.compressor.Name())
	}
	if err != nil {
		return nil, errors.Wrapf(ErrDecompress, "%s: %v", c.compressor.Name(), err)
	}
	return payload, nil
}
