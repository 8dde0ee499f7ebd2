package clientserver

import (
	"bytes"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// Compressor transforms payload bytes before framing and back after unframing.
// Implementations must be safe for concurrent use.
//
// Decompress must fail with ErrMessageTooLarge instead of producing more
// than limit bytes.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte, limit int) ([]byte, error)
	// Name identifies the algorithm in logs.
	Name() string
}

// NoCompression passes payloads through untouched.
type NoCompression struct{}

func (NoCompression) Compress(data []byte) ([]byte, error) { return data, nil }
func (NoCompression) Name() string                         { return "none" }

func (NoCompression) Decompress(data []byte, limit int) ([]byte, error) {
	if len(data) > limit {
		return nil, errors.Wrapf(ErrMessageTooLarge, "payload of %d bytes", len(data))
	}
	return data, nil
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdErr     error

	// decoders keyed by their output limit; connections rarely use more than one
	zstdDecodersMu sync.Mutex
	zstdDecoders   = map[int]*zstd.Decoder{}
)

// Zstd implements Compressor with Zstandard. It is the default.
// Encoder and decoders are shared by every connection.
type Zstd struct{}

func loadZstd() error {
	zstdOnce.Do(func() {
		// single segment frames declare a window no larger than the payload,
		// so receivers with a small size limit still accept them
		zstdEncoder, zstdErr = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithSingleSegment(true))
	})
	return zstdErr
}

func zstdDecoder(limit int) (*zstd.Decoder, error) {
	zstdDecodersMu.Lock()
	defer zstdDecodersMu.Unlock()

	if dec, ok := zstdDecoders[limit]; ok {
		return dec, nil
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(limit)))
	if err != nil {
		return nil, err
	}
	zstdDecoders[limit] = dec
	return dec, nil
}

func (Zstd) Compress(data []byte) ([]byte, error) {
	if err := loadZstd(); err != nil {
		return nil, errors.Wrap(err, "zstd")
	}
	return zstdEncoder.EncodeAll(data, nil), nil
}

func (Zstd) Decompress(data []byte, limit int) ([]byte, error) {
	if limit <= 0 {
		return nil, errors.Wrapf(ErrMessageTooLarge, "limit %d", limit)
	}

	dec, err := zstdDecoder(limit)
	if err != nil {
		return nil, errors.Wrap(err, "zstd")
	}

	out, err := dec.DecodeAll(data, nil)
	if errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) || len(out) > limit {
		return nil, errors.Wrapf(ErrMessageTooLarge, "zstd payload exceeds %d bytes", limit)
	}
	return out, err
}

func (Zstd) Name() string { return "zstd" }

// Deflate implements Compressor with raw DEFLATE.
type Deflate struct {
	// Level is a flate level; 0 means flate.DefaultCompression.
	Level int
}

func (d Deflate) Compress(data []byte) ([]byte, error) {
	level := d.Level
	if level == 0 {
		level = flate.DefaultCompression
	}

	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (Deflate) Decompress(data []byte, limit int) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		return nil, errors.Wrapf(ErrMessageTooLarge, "deflate payload exceeds %d bytes", limit)
	}
	return out, nil
}

func (Deflate) Name() string { return "deflate" }

// Snappy implements Compressor with Snappy block encoding.
type Snappy struct{}

func (Snappy) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (Snappy) Decompress(data []byte, limit int) ([]byte, error) {
	n, err := snappy.DecodedLen(data)
	if err != nil {
		return nil, err
	}
	if n > limit {
		return nil, errors.Wrapf(ErrMessageTooLarge, "snappy payload announces %d bytes", n)
	}
	return snappy.Decode(nil, data)
}

func (Snappy) Name() string { return "snappy" }
