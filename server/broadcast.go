package server

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"gitlab.lrz.de/protocol-design-team-0/getchat/messages"
)

const broadcastPrompt = ">> broadcast: "

// Broadcast sends text with the broadcast prefix to every registered
// connection. A failed send is logged and collected but does not stop the
// remaining sends. It returns how many peers got the line.
func (s *Server) Broadcast(text string) (int, error) {
	line := messages.FormatBroadcast(text)
	peers := s.Registry.Snapshot()

	delivered := 0
	var errs []error
	for _, p := range peers {
		if err := p.SendTimeout(line, s.BroadcastTimeout); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Broadcast",
				"remote":   p.RemoteAddr(),
				"conn_id":  p.ID,
			}).WithError(err).Warn("Broadcast send failed")
			errs = append(errs, fmt.Errorf("peer %s: %w", p.RemoteAddr(), err))
			continue
		}
		delivered++
	}

	if s.Metrics != nil {
		s.Metrics.RecordBroadcast(delivered, len(errs))
	}
	logrus.WithFields(logrus.Fields{
		"function":  "Broadcast",
		"delivered": delivered,
		"failed":    len(errs),
	}).Info("Broadcast sent")
	return delivered, errors.Join(errs...)
}

// RunBroadcastLoop reads broadcast lines from the operator console and sends
// them until stop is signalled or the console is closed. While a chat waits
// for the console the loop backs off instead of prompting.
func (s *Server) RunBroadcastLoop(stop chan bool) error {
	for cont(stop) {
		text, ok, err := s.Console.IdlePrompt(broadcastPrompt)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading broadcast text: %w", err)
		}
		if !ok {
			time.Sleep(s.BroadcastPoll)
			continue
		}
		if text == "" {
			continue
		}
		n, _ := s.Broadcast(text)
		s.Console.Printf("sent to %d client(s)\n", n)
	}
	return nil
}

// false if something is sent to (or closes) the stop channel, true otherwise
func cont(stop chan bool) bool {
	select {
	case <-stop:
		return false
	default:
		return true
	}
}
