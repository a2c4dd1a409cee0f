package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"gitlab.lrz.de/protocol-design-team-0/getchat/messages"
)

const usage = "Invalid format. Use: GET filename.ext, CHAT text or FIN"

// Run reads commands from in, one per line, and prints the outcome of each
// to out. It returns after FIN, when in is exhausted (FIN is sent then) or
// on a connection failure.
func (c *Client) Run(in io.Reader, out io.Writer) error {
	if c.cfg.OnBroadcast == nil {
		c.cfg.OnBroadcast = func(text string) {
			fmt.Fprintf(out, "%s%s\n", messages.BroadcastPrefix, text)
		}
	}

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "Enter GET filename.ext, CHAT text or FIN: ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			fmt.Fprintln(out)
			return c.Fin()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		cmd, err := messages.ParseCommand(line)
		if err != nil {
			fmt.Fprintln(out, usage)
			continue
		}

		switch cmd.Kind {
		case messages.Fin:
			if err := c.Fin(); err != nil {
				return err
			}
			fmt.Fprintln(out, "Connection closed by client.")
			return nil

		case messages.Get:
			res, err := c.Get(cmd.Arg)
			if err != nil {
				if !IsProtocolError(err) {
					return err
				}
				fmt.Fprintf(out, "GET %s failed: %v\n", cmd.Arg, err)
				continue
			}
			fmt.Fprintf(out, "File saved as '%s' (%d bytes, digest %s).\n", res.Path, res.Size, res.Digest)

		case messages.Chat:
			reply, err := c.Chat(cmd.Arg)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "[server]: %s\n", reply)
		}
	}
}

// RequestFiles fetches names one after the other over one connection and
// closes it with FIN. A failed file does not stop the others; the returned
// error joins all failures.
func RequestFiles(address string, port int, names []string, cfg *Config) error {
	c, err := Dial(address, port, cfg)
	if err != nil {
		return err
	}

	var errs []error
	for _, name := range names {
		res, err := c.Get(name)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "RequestFiles",
				"file":     name,
			}).WithError(err).Error("File request failed")
			errs = append(errs, fmt.Errorf("file request for %q: %w", name, err))
			if !IsProtocolError(err) {
				c.Close()
				return errors.Join(errs...)
			}
			continue
		}
		fmt.Printf("File %q saved as %q\n", name, res.Path)
	}

	if err := c.Fin(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
