package seglog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrCorruptedSegment indicates a segment whose header cannot be read.
var ErrCorruptedSegment = errors.New("seglog: corrupted segment")

// Reader replays frames across all segments in log order.
//
// A torn tail (crash during an unflushed write) and individually corrupted
// frames end the affected segment early instead of failing the replay.
type Reader struct {
	segments []segmentInfo
	segIndex int

	file    *os.File
	dataLen int64
	reader  *bufio.Reader
}

// NewReader creates a reader over a namespace directory.
func NewReader(dir string) (*Reader, error) {
	segs, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	return &Reader{segments: segs}, nil
}

// Read returns the next frame, or io.EOF after the last segment.
func (r *Reader) Read() (*Frame, error) {
	for {
		if r.reader == nil {
			if err := r.openNextSegment(); err != nil {
				return nil, err
			}
		}

		f, err := r.readOneFrame()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				r.closeCurrent()
				continue
			}
			if errors.Is(err, ErrCorruptedFrame) || errors.Is(err, ErrChecksumFrame) || errors.Is(err, ErrInvalidOp) {
				r.closeCurrent()
				continue
			}
			return nil, err
		}
		return f, nil
	}
}

// ReadAll replays every frame in the log.
func (r *Reader) ReadAll() ([]*Frame, error) {
	var out []*Frame
	for {
		f, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, err
		}
		out = append(out, f)
	}
}

// Close closes any open segment file.
func (r *Reader) Close() error {
	return r.closeCurrent()
}

func (r *Reader) openNextSegment() error {
	r.closeCurrent()

	if r.segIndex >= len(r.segments) {
		return io.EOF
	}

	seg := r.segments[r.segIndex]
	r.segIndex++

	f, err := os.Open(seg.path)
	if err != nil {
		return err
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	closed, dataLen, err := verifyChecksumTrailer(f, stat.Size())
	if err != nil {
		if errors.Is(err, errInvalidMagic) {
			// Not one of ours; skip.
			f.Close()
			return r.openNextSegment()
		}
		f.Close()
		return err
	}
	if !closed {
		// Unfinalized segment: read up to the end, frame CRCs guard the tail.
		dataLen = stat.Size()
	}
	if dataLen < MagicBytesSize {
		f.Close()
		return ErrCorruptedSegment
	}

	r.file = f
	r.dataLen = dataLen
	r.reader = bufio.NewReader(io.NewSectionReader(f, MagicBytesSize, dataLen-MagicBytesSize))
	return nil
}

func (r *Reader) readOneFrame() (*Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r.reader, lenBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < 7 {
		return nil, ErrCorruptedFrame
	}

	frame := make([]byte, length)
	if _, err := io.ReadFull(r.reader, frame); err != nil {
		return nil, err
	}

	return decodeFrame(frame)
}

func (r *Reader) closeCurrent() error {
	r.reader = nil

	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		if err != nil {
			return fmt.Errorf("seglog: close segment: %w", err)
		}
	}
	return nil
}
