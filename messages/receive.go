package messages

import (
	"bytes"
	"fmt"
	"io"
)

// LineReader reads newline terminated control lines and length framed
// bodies from one stream. Bytes read past the end of a line or a body stay
// in pending and are consumed by the next call, so a HASH line that arrives
// in the same read as the tail of a body is never lost or written to the
// body.
type LineReader struct {
	r       io.Reader
	pending []byte
	chunk   []byte
}

func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{
		r:     r,
		chunk: make([]byte, ChunkSize),
	}
}

// Buffered returns the number of bytes read from the stream but not yet
// consumed.
func (lr *LineReader) Buffered() int {
	return len(lr.pending)
}

// ReadLine returns the next line without its terminator ("\n" or "\r\n").
// Lines longer than MaxLineLength are discarded up to their terminator and
// reported as ErrLineTooLong; the reader stays usable afterwards.
// A stream that ends in the middle of a line returns io.ErrUnexpectedEOF,
// a stream that ends between lines returns io.EOF.
func (lr *LineReader) ReadLine() (string, error) {
	discarding := false
	for {
		if i := bytes.IndexByte(lr.pending, '\n'); i >= 0 {
			line := lr.pending[:i]
			lr.consume(i + 1)
			if discarding || len(line) > MaxLineLength+1 {
				return "", ErrLineTooLong
			}
			line = bytes.TrimSuffix(line, []byte("\r"))
			if len(line) > MaxLineLength {
				return "", ErrLineTooLong
			}
			return string(line), nil
		}
		if len(lr.pending) > MaxLineLength+1 {
			// keep nothing of an oversized line, remember to drop its tail
			lr.pending = lr.pending[:0]
			discarding = true
		}

		n, err := lr.r.Read(lr.chunk)
		if n > 0 {
			lr.pending = append(lr.pending, lr.chunk[:n]...)
			continue
		}
		if err == nil {
			continue
		}
		if err == io.EOF && (len(lr.pending) > 0 || discarding) {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
}

// ReadBody copies exactly n bytes of body to w. Buffered bytes are used
// first; the stream is then read in ChunkSize reads. When a read crosses
// the body boundary only the body part is written and the rest is kept for
// the next ReadLine.
func (lr *LineReader) ReadBody(w io.Writer, n int64) (int64, error) {
	var written int64
	owed := n

	if owed > 0 && len(lr.pending) > 0 {
		take := int64(len(lr.pending))
		if take > owed {
			take = owed
		}
		m, err := w.Write(lr.pending[:take])
		written += int64(m)
		lr.consume(int(take))
		if err != nil {
			return written, fmt.Errorf("writing body: %w", err)
		}
		owed -= take
	}

	for owed > 0 {
		m, err := lr.r.Read(lr.chunk)
		if m > 0 {
			body := m
			if int64(body) > owed {
				body = int(owed)
				// the next line starts inside this chunk
				lr.pending = append(lr.pending, lr.chunk[body:m]...)
			}
			k, werr := w.Write(lr.chunk[:body])
			written += int64(k)
			owed -= int64(body)
			if werr != nil {
				return written, fmt.Errorf("writing body: %w", werr)
			}
		}
		if err != nil {
			if owed == 0 {
				break
			}
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return written, fmt.Errorf("reading body (%d of %d bytes): %w", written, n, err)
		}
	}
	return written, nil
}

func (lr *LineReader) consume(n int) {
	rest := copy(lr.pending, lr.pending[n:])
	lr.pending = lr.pending[:rest]
}
