package clientserver

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// ProgressFunc receives transfer notifications for a single frame.
// total is the frame size in bytes, current the bytes transferred so far.
type ProgressFunc func(state ActivityState, total, current int)

func (f ProgressFunc) notify(state ActivityState, total, current int) {
	if f != nil {
		f(state, total, current)
	}
}

// Framer turns one frame into a self-delimiting byte sequence and back.
//
// ReadFrame must return a complete frame or an error, never a partial one.
// Any error is fatal for the stream.
type Framer interface {
	WriteFrame(w io.Writer, frame []byte, progress ProgressFunc) error
	ReadFrame(r io.Reader, progress ProgressFunc) ([]byte, error)
}

const lengthPrefixSize = 4

// LengthPrefixFramer writes a 4-byte big-endian length followed by the body.
//
//	+--------+----------------+
//	| len(4) | body (len)     |
//	+--------+----------------+
type LengthPrefixFramer struct {
	// MaxSize bounds the body length accepted by ReadFrame and WriteFrame.
	// Zero means defaultMaxFrameLength.
	MaxSize int
}

func (f *LengthPrefixFramer) maxSize() int {
	if f == nil || f.MaxSize <= 0 {
		return defaultMaxFrameLength
	}
	return f.MaxSize
}

func (f *LengthPrefixFramer) WriteFrame(w io.Writer, frame []byte, progress ProgressFunc) error {
	length := len(frame)
	if length > f.maxSize() {
		return errors.Wrapf(ErrMessageTooLarge, "frame of %d bytes", length)
	}

	progress.notify(Start, length, 0)

	var header [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(length))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}

	for written := 0; written < length; {
		end := min(written+ChunkSize, length)
		n, err := w.Write(frame[written:end])
		written += n
		if err != nil {
			return err
		}
		if written < length {
			progress.notify(Progress, length, written)
		}
	}

	progress.notify(Complete, length, length)
	return nil
}

func (f *LengthPrefixFramer) ReadFrame(r io.Reader, progress ProgressFunc) ([]byte, error) {
	var header [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, errors.Wrap(err, "read frame header")
	}

	length := binary.BigEndian.Uint32(header[:])
	if uint64(length) > uint64(f.maxSize()) {
		return nil, errors.Wrapf(ErrMessageTooLarge, "frame header announces %d bytes", length)
	}

	total := int(length)
	progress.notify(Start, total, 0)

	frame := make([]byte, total)
	for read := 0; read < total; {
		end := min(read+ChunkSize, total)
		n, err := io.ReadFull(r, frame[read:end])
		read += n
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, errors.Wrapf(err, "read frame body at %d of %d bytes", read, total)
		}
		if read < total {
			progress.notify(Progress, total, read)
		}
	}

	progress.notify(Complete, total, total)
	return frame, nil
}
