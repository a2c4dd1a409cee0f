package server

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gitlab.lrz.de/protocol-design-team-0/getchat/core"
	"gitlab.lrz.de/protocol-design-team-0/getchat/digest"
	"gitlab.lrz.de/protocol-design-team-0/getchat/messages"
	"gitlab.lrz.de/protocol-design-team-0/getchat/metrics"
)

type Config struct {
	IP      net.IP
	Port    int
	RootDir string
	// name of the digest algorithm sent in HASH lines
	Digest string
	// maximum number of connections receiving broadcasts, 0 means no limit
	RegistryCapacity int
	// body corruption probabilities for the markov model, 0 disables it
	MarkovP float64
	MarkovQ float64
	// write deadline for a single broadcast line
	BroadcastTimeout time.Duration
	// how long the broadcast loop backs off while a chat holds the console
	BroadcastPoll time.Duration
}

var DefaultConfig = Config{
	IP:               net.IPv4zero,
	Port:             5555,
	RootDir:          "./",
	Digest:           digest.Default,
	RegistryCapacity: 64,
	BroadcastTimeout: 5 * time.Second,
	BroadcastPoll:    200 * time.Millisecond,
}

type Server struct {
	Config
	Listener net.Listener

	// connections that receive broadcasts
	Registry *Registry
	Console  *Arbiter
	// nil disables metrics
	Metrics metrics.ServerMetrics

	// every live connection, used to tear them down on Close
	conns    *Registry
	digestFn digest.Func
	digests  *core.DigestCache
	closed   atomic.Bool
	wg       sync.WaitGroup
}

// Init validates cfg and opens the listening socket.
// console receives chat messages and supplies replies and broadcast text.
func Init(cfg Config, console *Arbiter, m metrics.ServerMetrics) (*Server, error) {
	// check if root dir exists
	info, err := os.Stat(cfg.RootDir)
	if err != nil {
		return nil, fmt.Errorf("root_dir does not exist: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root_dir %s is not a directory", cfg.RootDir)
	}
	// check that p and q are valid
	if cfg.MarkovP > 1 || cfg.MarkovP < 0 || cfg.MarkovQ > 1 || cfg.MarkovQ < 0 {
		return nil, fmt.Errorf("p and/or q values for the markov chain are invalid")
	}
	if cfg.RegistryCapacity < 0 {
		return nil, fmt.Errorf("registry capacity must not be negative")
	}
	if console == nil {
		return nil, fmt.Errorf("a console is required")
	}
	fn, err := digest.Lookup(cfg.Digest)
	if err != nil {
		return nil, err
	}
	if cfg.BroadcastPoll <= 0 {
		cfg.BroadcastPoll = DefaultConfig.BroadcastPoll
	}

	ln, err := messages.CreateServerSocket(cfg.IP, cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("error while creating the socket: %w", err)
	}

	s := &Server{
		Config:   cfg,
		Listener: ln,
		Registry: NewRegistry(cfg.RegistryCapacity),
		Console:  console,
		Metrics:  m,
		conns:    NewRegistry(0),
		digestFn: fn,
		digests:  core.NewDigestCache(),
	}
	return s, nil
}

// Addr returns the address the server accepts connections on.
func (s *Server) Addr() net.Addr {
	return s.Listener.Addr()
}

// Listen accepts connections and serves each one in its own goroutine until
// Close is called.
func (s *Server) Listen() error {
	logrus.WithFields(logrus.Fields{
		"function": "Listen",
		"addr":     s.Addr().String(),
		"root_dir": s.RootDir,
		"digest":   s.Digest,
	}).Info("Accepting connections")

	for {
		conn, err := s.Listener.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			logrus.WithError(err).Warn("Accept failed")
			// back off so a persistent error (e.g. out of fds) does not spin
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// Close stops accepting and closes every open connection.
func (s *Server) Close() error {
	s.closed.Store(true)
	err := s.Listener.Close()
	for _, p := range s.conns.Snapshot() {
		p.Close()
	}
	return err
}

// Wait blocks until all connection handlers have returned. Handlers blocked
// on the console are only released by operator input.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) GetPath(name string) string {
	// names are relative to the root dir, "/a.txt" means "a.txt"
	return filepath.Join(s.RootDir, strings.TrimPrefix(name, "/"))
}

func (s *Server) handleConnection(conn net.Conn) {
	peer := newPeer(uuid.NewString(), conn)
	log := logrus.WithFields(logrus.Fields{
		"remote":  peer.RemoteAddr(),
		"conn_id": peer.ID,
	})
	log.Info("Client connected")

	if s.Metrics != nil {
		s.Metrics.ConnectionOpened()
	}
	s.conns.Register(peer)
	if !s.Registry.Register(peer) {
		log.WithField("capacity", s.RegistryCapacity).Warn("Registry full, client will not receive broadcasts")
	}
	s.reportRegistered()

	defer func() {
		s.Registry.Unregister(peer)
		s.conns.Unregister(peer)
		peer.Close()
		s.reportRegistered()
		if s.Metrics != nil {
			s.Metrics.ConnectionClosed()
		}
		log.Info("Connection closed")
	}()

	h := &connHandler{s: s, peer: peer, lr: messages.NewLineReader(conn), log: log}
	h.serve()
}

func (s *Server) reportRegistered() {
	if s.Metrics != nil {
		s.Metrics.SetRegistered(s.Registry.Len())
	}
}
