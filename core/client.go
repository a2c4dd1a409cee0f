package core

import (
	"errors"
	"fmt"
	"os"
)

var ErrBodyOverflow = errors.New("write exceeds declared size")

// TransferSession is the client side state of one GET: the declared size,
// how much of it has arrived and the file it is written to.
type TransferSession struct {
	Name     string // requested name
	Path     string // local output file
	Declared int64
	Received int64

	file *os.File
}

// NewTransferSession creates (or truncates) the output file for a transfer of
// size bytes.
func NewTransferSession(name, path string, size int64) (*TransferSession, error) {
	if size < 0 {
		return nil, fmt.Errorf("invalid declared size %d", size)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("open file %s: %w", path, err)
	}
	return &TransferSession{
		Name:     name,
		Path:     path,
		Declared: size,
		file:     f,
	}, nil
}

// Write appends body bytes. Writing past the declared size is refused so a
// framing bug can never push protocol text into the saved file.
func (s *TransferSession) Write(p []byte) (int, error) {
	if int64(len(p)) > s.Remaining() {
		return 0, fmt.Errorf("%w: %d bytes with %d remaining", ErrBodyOverflow, len(p), s.Remaining())
	}
	n, err := s.file.Write(p)
	s.Received += int64(n)
	return n, err
}

func (s *TransferSession) Remaining() int64 {
	return s.Declared - s.Received
}

func (s *TransferSession) Complete() bool {
	return s.Received == s.Declared
}

// Close flushes and closes the output file, keeping it on disk.
func (s *TransferSession) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Abort closes and removes the output file.
func (s *TransferSession) Abort() error {
	s.Close()
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", s.Path, err)
	}
	return nil
}
