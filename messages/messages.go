package messages

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// client commands
const (
	GetCmd  = "GET"
	ChatCmd = "CHAT"
	FinCmd  = "FIN"
)

// server responses
const (
	OKResp          = "OK"
	ErrorPrefix     = "ERROR:"
	SizePrefix      = "SIZE "
	HashPrefix      = "HASH "
	BroadcastPrefix = "[SERVER]: "
)

// ChunkSize is the size of a single read from the connection.
const ChunkSize = 1024

// MaxLineLength bounds a control line, terminator excluded.
const MaxLineLength = 4096

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrMalformed      = errors.New("malformed line")
	ErrLineTooLong    = errors.New("line too long")
)

type CommandKind uint8

const (
	Unknown CommandKind = iota
	Get
	Chat
	Fin
)

func (k CommandKind) String() string {
	switch k {
	case Get:
		return GetCmd
	case Chat:
		return ChatCmd
	case Fin:
		return FinCmd
	default:
		return "UNKNOWN"
	}
}

// Command is one parsed client request line.
type Command struct {
	Kind CommandKind
	// filename for GET, text for CHAT
	Arg string
	// the raw line, kept for logging unknown commands
	Raw string
}

// ParseCommand parses a client line. Lines that match no command return a
// Command of kind Unknown together with ErrUnknownCommand. A GET without a
// filename keeps kind Get and returns ErrMalformed, so it can be answered.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimSuffix(line, "\r")
	cmd := Command{Kind: Unknown, Raw: line}

	switch {
	case line == FinCmd:
		cmd.Kind = Fin
	case strings.HasPrefix(line, GetCmd+" "):
		name := line[len(GetCmd)+1:]
		cmd.Kind = Get
		if name == "" {
			return cmd, fmt.Errorf("%w: GET without filename", ErrMalformed)
		}
		cmd.Arg = name
	case strings.HasPrefix(line, ChatCmd+" "):
		cmd.Kind = Chat
		cmd.Arg = line[len(ChatCmd)+1:]
	default:
		return cmd, fmt.Errorf("%w: %q", ErrUnknownCommand, line)
	}
	return cmd, nil
}

// Line returns the wire form of the command, without the terminator.
func (c Command) Line() string {
	switch c.Kind {
	case Get:
		return GetCmd + " " + c.Arg
	case Chat:
		return ChatCmd + " " + c.Arg
	case Fin:
		return FinCmd
	default:
		return c.Raw
	}
}

func FormatError(reason string) string {
	return ErrorPrefix + " " + reason
}

func FormatSize(n int64) string {
	return SizePrefix + strconv.FormatInt(n, 10)
}

func FormatHash(digest string) string {
	return HashPrefix + digest
}

func FormatBroadcast(text string) string {
	return BroadcastPrefix + text
}

// IsError reports whether a status line is an ERROR response.
func IsError(line string) bool {
	return strings.HasPrefix(line, "ERROR")
}

// ErrorReason strips the ERROR prefix from a status line.
func ErrorReason(line string) string {
	reason := strings.TrimPrefix(line, "ERROR")
	reason = strings.TrimPrefix(reason, ":")
	return strings.TrimSpace(reason)
}

// ParseSize parses "SIZE <n>". Negative sizes are rejected.
func ParseSize(line string) (int64, error) {
	line = strings.TrimSuffix(line, "\r")
	if !strings.HasPrefix(line, SizePrefix) {
		return 0, fmt.Errorf("%w: expected SIZE, got %q", ErrMalformed, line)
	}
	n, err := strconv.ParseInt(line[len(SizePrefix):], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad size %q: %v", ErrMalformed, line, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: negative size %d", ErrMalformed, n)
	}
	return n, nil
}

// ParseHash parses "HASH <hex-digest>".
func ParseHash(line string) (string, error) {
	line = strings.TrimSuffix(line, "\r")
	if !strings.HasPrefix(line, HashPrefix) {
		return "", fmt.Errorf("%w: expected HASH, got %q", ErrMalformed, line)
	}
	digest := line[len(HashPrefix):]
	if digest == "" {
		return "", fmt.Errorf("%w: empty digest", ErrMalformed)
	}
	return digest, nil
}

// ParseBroadcast returns the text of a broadcast line and whether the line
// was one.
func ParseBroadcast(line string) (string, bool) {
	if !strings.HasPrefix(line, BroadcastPrefix) {
		return "", false
	}
	return line[len(BroadcastPrefix):], true
}
