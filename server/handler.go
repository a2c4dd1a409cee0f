package server

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"gitlab.lrz.de/protocol-design-team-0/getchat/digest"
	"gitlab.lrz.de/protocol-design-team-0/getchat/markov"
	"gitlab.lrz.de/protocol-design-team-0/getchat/messages"
	"gitlab.lrz.de/protocol-design-team-0/getchat/metrics"
)

// connHandler owns one client connection for its lifetime.
type connHandler struct {
	s    *Server
	peer *Peer
	lr   *messages.LineReader
	log  *logrus.Entry
}

// serve reads and dispatches commands until FIN, disconnect or an I/O error.
// Cleanup is done by the caller.
func (h *connHandler) serve() {
	for {
		line, err := h.lr.ReadLine()
		if errors.Is(err, messages.ErrLineTooLong) {
			h.recordCommand(messages.Unknown)
			h.log.Warn("Unknown command: line too long, ignored")
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				h.log.Info("Client disconnected")
			} else {
				h.log.WithError(err).Info("Read failed, dropping connection")
			}
			return
		}

		cmd, _ := messages.ParseCommand(line)
		h.recordCommand(cmd.Kind)

		switch cmd.Kind {
		case messages.Get:
			err = h.handleGet(cmd.Arg)
		case messages.Chat:
			err = h.handleChat(cmd.Arg)
		case messages.Fin:
			h.log.Info("Client sent FIN")
			return
		default:
			h.log.WithField("line", cmd.Raw).Warn("Unknown command, ignored")
		}
		if err != nil {
			h.log.WithError(err).Warn("Send failed, dropping connection")
			return
		}
	}
}

func (h *connHandler) recordCommand(kind messages.CommandKind) {
	if h.s.Metrics != nil {
		h.s.Metrics.RecordCommand(kind.String())
	}
}

func (h *connHandler) recordTransfer(outcome string, bytes int64, start time.Time) {
	if h.s.Metrics != nil {
		h.s.Metrics.RecordTransfer(outcome, bytes, time.Since(start))
	}
}

// handleGet answers GET with either one ERROR line or OK, SIZE, the body and
// HASH. Only a failed send is returned; a missing file is a protocol answer.
func (h *connHandler) handleGet(name string) error {
	start := time.Now()
	if name == "" {
		h.log.Info("GET without filename")
		h.recordTransfer(metrics.TransferNotFound, 0, start)
		return h.peer.Send(messages.FormatError("missing filename"))
	}
	path := h.s.GetPath(name)
	log := h.log.WithFields(logrus.Fields{"file": name, "path": path})

	f, size, sum, err := h.s.openFile(path)
	if err != nil {
		reason := "cannot read file"
		if errors.Is(err, os.ErrNotExist) {
			reason = "file not found"
		}
		log.WithError(err).Info("GET failed")
		h.recordTransfer(metrics.TransferNotFound, 0, start)
		return h.peer.Send(messages.FormatError(reason))
	}
	defer f.Close()

	mw, err := markov.NewWriter(nil, h.s.MarkovP, h.s.MarkovQ)
	if err != nil {
		return err
	}
	err = h.peer.write(func(w io.Writer) error {
		if err := messages.SendOK(w); err != nil {
			return err
		}
		if err := messages.SendSize(w, size); err != nil {
			return err
		}
		body := w
		if mw.Enabled() {
			mw.W = w
			body = mw
		}
		if err := messages.SendBody(body, f, size); err != nil {
			return err
		}
		return messages.SendHash(w, sum)
	})
	if err != nil {
		h.recordTransfer(metrics.TransferFailed, 0, start)
		return fmt.Errorf("sending %s: %w", name, err)
	}

	log.WithFields(logrus.Fields{
		"size":             size,
		"digest":           sum,
		"corrupted_writes": mw.Corrupted,
	}).Info("File sent")
	h.recordTransfer(metrics.TransferOK, size, start)
	return nil
}

// handleChat shows the message to the operator and sends back the reply
// line. An empty reply sends nothing.
func (h *connHandler) handleChat(text string) error {
	addr := h.peer.RemoteAddr()
	h.s.Console.Printf("\n[chat %s]: %s\n", addr, text)
	if h.s.Console.IdleWaiting() {
		h.s.Console.Printf("(finish the broadcast line first, the reply prompt follows)\n")
	}

	reply, err := h.s.Console.ChatPrompt(fmt.Sprintf("reply to %s> ", addr))
	if err != nil {
		h.log.WithError(err).Warn("Console read failed, no chat reply sent")
		return nil
	}
	if reply == "" {
		h.log.Debug("Empty chat reply, nothing sent")
		return nil
	}
	return h.peer.Send(reply)
}

// openFile opens path for streaming and returns its size and digest. The
// digest comes from the cache unless the file changed since it was computed.
func (s *Server) openFile(path string) (*os.File, int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, "", err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, "", err
	}
	if info.IsDir() {
		f.Close()
		return nil, 0, "", fmt.Errorf("%s is a directory", path)
	}

	if sum, ok := s.digests.Lookup(path, info); ok {
		return f, info.Size(), sum, nil
	}

	sum, err := digest.Reader(s.digestFn, f)
	if err != nil {
		f.Close()
		return nil, 0, "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, 0, "", fmt.Errorf("error while rewinding file: %w", err)
	}
	s.digests.Store(path, info, sum)
	return f, info.Size(), sum, nil
}
