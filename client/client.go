package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"gitlab.lrz.de/protocol-design-team-0/getchat/core"
	"gitlab.lrz.de/protocol-design-team-0/getchat/digest"
	"gitlab.lrz.de/protocol-design-team-0/getchat/messages"
)

var (
	// ErrServer wraps the reason of an ERROR line, e.g. a missing file.
	ErrServer = errors.New("server error")
	// ErrInvalidResponse means a reply did not fit the state of the transfer.
	ErrInvalidResponse = errors.New("invalid response")
	ErrInvalidHashLine = errors.New("invalid hash line")
	// ErrDigestMismatch means the saved file did not match the server's
	// digest and was deleted.
	ErrDigestMismatch = errors.New("digest mismatch, file corrupted")
	// ErrOutputFile means the output file could not be created; the body
	// was read and dropped.
	ErrOutputFile = errors.New("cannot create output file")
	// ErrInvalidName is returned before anything is sent.
	ErrInvalidName = errors.New("invalid file name")
)

type Config struct {
	// directory received files are written to
	OutDir string
	// appended to the requested name to form the output file name
	Suffix string
	// digest algorithm, must match the server's
	Digest string
	// called for broadcast lines read while waiting for a reply;
	// nil logs them
	OnBroadcast func(text string)
}

var DefaultConfig = Config{
	OutDir: "./",
	Suffix: "_received",
	Digest: digest.Default,
}

// Result describes a verified transfer.
type Result struct {
	Name   string
	Path   string
	Size   int64
	Digest string
}

type Client struct {
	conn     net.Conn
	lr       *messages.LineReader
	cfg      Config
	digestFn digest.Func
}

// Dial connects to the server at address:port.
func Dial(address string, port int, cfg *Config) (*Client, error) {
	conn, err := messages.CreateClientSocket(address, port)
	if err != nil {
		return nil, fmt.Errorf("create client socket: %w", err)
	}
	c, err := New(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// New runs the protocol over an established connection.
func New(conn net.Conn, cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = &DefaultConfig
	}
	conf := *cfg
	fn, err := digest.Lookup(conf.Digest)
	if err != nil {
		return nil, err
	}
	if conf.OutDir == "" {
		conf.OutDir = "./"
	}
	return &Client{
		conn:     conn,
		lr:       messages.NewLineReader(conn),
		cfg:      conf,
		digestFn: fn,
	}, nil
}

// OutputPath is where the file requested as name is saved.
func (c *Client) OutputPath(name string) string {
	return filepath.Join(c.cfg.OutDir, filepath.Base(name)+c.cfg.Suffix)
}

// Get requests name, saves the body and checks it against the server's
// digest. Errors for which IsProtocolError is true leave the connection
// usable; any other error is a connection failure.
func (c *Client) Get(name string) (*Result, error) {
	log := logrus.WithFields(logrus.Fields{
		"function": "Get",
		"file":     name,
	})

	if name == "" || strings.ContainsAny(name, "\r\n") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if err := (messages.Command{Kind: messages.Get, Arg: name}).Send(c.conn); err != nil {
		return nil, fmt.Errorf("send GET: %w", err)
	}

	// status
	line, err := c.readLine()
	if err != nil {
		return nil, fmt.Errorf("read status: %w", err)
	}
	if messages.IsError(line) {
		return nil, fmt.Errorf("%w: %s", ErrServer, messages.ErrorReason(line))
	}
	if line != messages.OKResp {
		return nil, fmt.Errorf("%w: expected OK, got %q", ErrInvalidResponse, line)
	}

	// size
	line, err = c.readLine()
	if err != nil {
		return nil, fmt.Errorf("read size: %w", err)
	}
	size, err := messages.ParseSize(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	// body
	path := c.OutputPath(name)
	session, err := core.NewTransferSession(name, path, size)
	if err != nil {
		// the body is still on the wire, drop it to stay in sync
		if _, derr := c.lr.ReadBody(io.Discard, size); derr != nil {
			return nil, fmt.Errorf("discard body: %w", derr)
		}
		if _, derr := c.readLine(); derr != nil {
			return nil, fmt.Errorf("read hash: %w", derr)
		}
		return nil, fmt.Errorf("%w: %v", ErrOutputFile, err)
	}
	if _, err := c.lr.ReadBody(session, size); err != nil {
		session.Abort()
		return nil, fmt.Errorf("receive body: %w", err)
	}
	if err := session.Close(); err != nil {
		session.Abort()
		return nil, fmt.Errorf("close %s: %w", path, err)
	}
	log.WithFields(logrus.Fields{"size": size, "path": path}).Debug("Body received")

	// hash
	line, err = c.readLine()
	if err != nil {
		return nil, fmt.Errorf("read hash: %w", err)
	}
	expected, err := messages.ParseHash(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHashLine, err)
	}

	local, err := digest.File(c.digestFn, path)
	if err != nil {
		return nil, fmt.Errorf("compute digest of %s: %w", path, err)
	}
	if local != expected {
		if err := os.Remove(path); err != nil {
			log.WithError(err).Warn("Could not remove corrupted file")
		}
		return nil, fmt.Errorf("%w: expected %s got %s", ErrDigestMismatch, expected, local)
	}

	log.WithFields(logrus.Fields{"size": size, "digest": local, "path": path}).Info("File received and verified")
	return &Result{Name: name, Path: path, Size: size, Digest: local}, nil
}

// Chat sends text and waits for the operator's reply line. If the operator
// sends nothing back this blocks until the connection ends.
func (c *Client) Chat(text string) (string, error) {
	if err := (messages.Command{Kind: messages.Chat, Arg: text}).Send(c.conn); err != nil {
		return "", fmt.Errorf("send CHAT: %w", err)
	}
	reply, err := c.readLine()
	if err != nil {
		return "", fmt.Errorf("read chat reply: %w", err)
	}
	return reply, nil
}

// Fin asks the server to close the connection and closes the client side.
// Calling it again fails with the transport's error.
func (c *Client) Fin() error {
	if err := (messages.Command{Kind: messages.Fin}).Send(c.conn); err != nil {
		return fmt.Errorf("send FIN: %w", err)
	}
	return c.conn.Close()
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// readLine returns the next reply line, passing broadcast lines on to the
// broadcast callback.
func (c *Client) readLine() (string, error) {
	for {
		line, err := c.lr.ReadLine()
		if err != nil {
			return "", err
		}
		if text, ok := messages.ParseBroadcast(line); ok {
			c.broadcast(text)
			continue
		}
		return line, nil
	}
}

func (c *Client) broadcast(text string) {
	if c.cfg.OnBroadcast != nil {
		c.cfg.OnBroadcast(text)
		return
	}
	logrus.WithField("text", text).Info("Broadcast from server")
}

// IsProtocolError reports whether err ended a single command but left the
// connection usable.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrServer) ||
		errors.Is(err, ErrInvalidResponse) ||
		errors.Is(err, ErrInvalidHashLine) ||
		errors.Is(err, ErrDigestMismatch) ||
		errors.Is(err, ErrOutputFile) ||
		errors.Is(err, ErrInvalidName)
}
