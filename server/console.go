package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

// Arbiter serialises use of the single operator console between the
// connection handlers answering chats and the broadcast loop.
// At most one goroutine reads operator input at a time.
type Arbiter struct {
	mu    sync.Mutex // held for one prompt and read
	outMu sync.Mutex
	chats atomic.Int32
	// set while the broadcast prompt waits for input
	idle atomic.Bool

	in  *bufio.Reader
	out io.Writer
}

func NewArbiter(in io.Reader, out io.Writer) *Arbiter {
	return &Arbiter{
		in:  bufio.NewReader(in),
		out: out,
	}
}

// Printf writes to the operator without claiming the input.
func (a *Arbiter) Printf(format string, args ...interface{}) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprintf(a.out, format, args...)
}

// Prompt claims the console, shows prompt and reads one line of operator
// input. It blocks until a line is entered; there is no timeout.
func (a *Arbiter) Prompt(prompt string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.readLocked(prompt)
}

// IdlePrompt is Prompt for the broadcast loop. It gives the console up
// without prompting when a chat is waiting for it and then returns ok false.
func (a *Arbiter) IdlePrompt(prompt string) (line string, ok bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Busy() {
		return "", false, nil
	}
	a.idle.Store(true)
	defer a.idle.Store(false)
	line, err = a.readLocked(prompt)
	return line, err == nil, err
}

func (a *Arbiter) readLocked(prompt string) (string, error) {
	if prompt != "" {
		a.Printf("%s", prompt)
	}
	line, err := a.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ChatPrompt is Prompt for a chat reply. While it waits for or holds the
// console, Busy reports true.
func (a *Arbiter) ChatPrompt(prompt string) (string, error) {
	a.chats.Add(1)
	defer a.chats.Add(-1)
	return a.Prompt(prompt)
}

// Busy reports whether a chat exchange is waiting for or using the console.
// It is advisory: the broadcast loop uses it to back off, the lock in Prompt
// is what keeps reads apart.
func (a *Arbiter) Busy() bool {
	return a.chats.Load() > 0
}

// IdleWaiting reports whether the broadcast prompt is showing. The next
// line typed then goes to the broadcast, not to a chat.
func (a *Arbiter) IdleWaiting() bool {
	return a.idle.Load()
}
