package messages

import (
	"fmt"
	"io"
)

// SendLine writes line followed by "\n" in a single write.
func SendLine(w io.Writer, line string) error {
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("error sending line: %w", err)
	}
	return nil
}

func (c Command) Send(w io.Writer) error {
	return SendLine(w, c.Line())
}

func SendOK(w io.Writer) error {
	return SendLine(w, OKResp)
}

func SendError(w io.Writer, reason string) error {
	return SendLine(w, FormatError(reason))
}

func SendSize(w io.Writer, n int64) error {
	return SendLine(w, FormatSize(n))
}

func SendHash(w io.Writer, digest string) error {
	return SendLine(w, FormatHash(digest))
}

func SendBroadcast(w io.Writer, text string) error {
	return SendLine(w, FormatBroadcast(text))
}

// SendBody streams exactly n bytes from r to w in ChunkSize pieces. A source
// that ends early is an error: the peer is waiting for n bytes and the
// stream can not be resynchronised.
func SendBody(w io.Writer, r io.Reader, n int64) error {
	buf := make([]byte, ChunkSize)
	sent, err := io.CopyBuffer(w, io.LimitReader(r, n), buf)
	if err != nil {
		return fmt.Errorf("error sending body: %w", err)
	}
	if sent != n {
		return fmt.Errorf("error sending body: source ended after %d of %d bytes: %w", sent, n, io.ErrUnexpectedEOF)
	}
	return nil
}
