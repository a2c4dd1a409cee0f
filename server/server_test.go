package server

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.lrz.de/protocol-design-team-0/getchat/messages"
)

// syncBuffer collects console output written from several goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testServer struct {
	*Server
	root     string
	operator *io.PipeWriter
	output   *syncBuffer
}

func startTestServer(t *testing.T, modify func(*Config)) *testServer {
	root := t.TempDir()
	cfg := DefaultConfig
	cfg.IP = net.ParseIP("127.0.0.1")
	cfg.Port = 0
	cfg.RootDir = root
	if modify != nil {
		modify(&cfg)
	}

	in, operator := io.Pipe()
	output := &syncBuffer{}
	s, err := Init(cfg, NewArbiter(in, output), nil)
	require.NoError(t, err)

	go s.Listen()
	t.Cleanup(func() {
		s.Close()
		operator.Close()
	})
	return &testServer{Server: s, root: root, operator: operator, output: output}
}

func (ts *testServer) writeFile(t *testing.T, name string, data []byte) {
	require.NoError(t, os.WriteFile(filepath.Join(ts.root, name), data, 0o644))
}

// answer types one line on the operator console.
func (ts *testServer) answer(line string) {
	go io.WriteString(ts.operator, line+"\n")
}

type rawClient struct {
	t    *testing.T
	conn net.Conn
	lr   *messages.LineReader
}

func dialRaw(t *testing.T, s *Server) *rawClient {
	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &rawClient{t: t, conn: conn, lr: messages.NewLineReader(conn)}
}

func (c *rawClient) send(line string) {
	require.NoError(c.t, messages.SendLine(c.conn, line))
}

func (c *rawClient) readLine() string {
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := c.lr.ReadLine()
	require.NoError(c.t, err)
	return line
}

func (c *rawClient) readBody(n int64) []byte {
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var out bytes.Buffer
	_, err := c.lr.ReadBody(&out, n)
	require.NoError(c.t, err)
	return out.Bytes()
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestInitValidation(t *testing.T) {
	console := NewArbiter(strings.NewReader(""), io.Discard)

	cfg := DefaultConfig
	cfg.RootDir = filepath.Join(t.TempDir(), "missing")
	_, err := Init(cfg, console, nil)
	assert.Error(t, err)

	cfg = DefaultConfig
	cfg.RootDir = t.TempDir()
	cfg.MarkovP = 2
	_, err = Init(cfg, console, nil)
	assert.Error(t, err)

	cfg = DefaultConfig
	cfg.RootDir = t.TempDir()
	cfg.Digest = "crc32"
	_, err = Init(cfg, console, nil)
	assert.Error(t, err)

	cfg = DefaultConfig
	cfg.RootDir = t.TempDir()
	_, err = Init(cfg, nil, nil)
	assert.Error(t, err)
}

func TestGetPath(t *testing.T) {
	s := &Server{Config: Config{RootDir: "/srv/files/"}}
	assert.Equal(t, "/srv/files/a.txt", s.GetPath("a.txt"))
	assert.Equal(t, "/srv/files/a.txt", s.GetPath("/a.txt"))
	assert.Equal(t, "/srv/files/sub/b.bin", s.GetPath("sub/b.bin"))
}

func TestGetFile(t *testing.T) {
	ts := startTestServer(t, nil)
	data := make([]byte, 5000)
	_, err := rand.Read(data)
	require.NoError(t, err)
	ts.writeFile(t, "data.bin", data)

	c := dialRaw(t, ts.Server)
	c.send("GET data.bin")

	assert.Equal(t, "OK", c.readLine())
	assert.Equal(t, "SIZE 5000", c.readLine())
	assert.Equal(t, data, c.readBody(5000))
	assert.Equal(t, "HASH "+sha256Hex(data), c.readLine())
}

func TestGetEmptyFile(t *testing.T) {
	ts := startTestServer(t, nil)
	ts.writeFile(t, "empty", nil)

	c := dialRaw(t, ts.Server)
	c.send("GET empty")
	assert.Equal(t, "OK", c.readLine())
	assert.Equal(t, "SIZE 0", c.readLine())
	assert.Equal(t, "HASH "+sha256Hex(nil), c.readLine())
}

func TestGetMissingFile(t *testing.T) {
	ts := startTestServer(t, nil)
	ts.writeFile(t, "there.txt", []byte("hi"))

	c := dialRaw(t, ts.Server)
	c.send("GET not-there.txt")
	line := c.readLine()
	assert.True(t, strings.HasPrefix(line, "ERROR: "), line)

	// the connection stays usable and nothing followed the ERROR line
	c.send("GET there.txt")
	assert.Equal(t, "OK", c.readLine())
	assert.Equal(t, "SIZE 2", c.readLine())
}

func TestGetWithoutFilename(t *testing.T) {
	ts := startTestServer(t, nil)
	ts.writeFile(t, "a.txt", []byte("abc"))

	c := dialRaw(t, ts.Server)
	c.send("GET ")
	assert.Equal(t, "ERROR: missing filename", c.readLine())

	c.send("GET a.txt")
	assert.Equal(t, "OK", c.readLine())
}

func TestGetDirectory(t *testing.T) {
	ts := startTestServer(t, nil)
	require.NoError(t, os.Mkdir(filepath.Join(ts.root, "sub"), 0o755))

	c := dialRaw(t, ts.Server)
	c.send("GET sub")
	assert.True(t, strings.HasPrefix(c.readLine(), "ERROR: "))
}

func TestDigestCached(t *testing.T) {
	ts := startTestServer(t, nil)
	ts.writeFile(t, "a.txt", []byte("cached"))

	c := dialRaw(t, ts.Server)
	for i := 0; i < 3; i++ {
		c.send("GET a.txt")
		assert.Equal(t, "OK", c.readLine())
		assert.Equal(t, "SIZE 6", c.readLine())
		assert.Equal(t, []byte("cached"), c.readBody(6))
		assert.Equal(t, "HASH "+sha256Hex([]byte("cached")), c.readLine())
	}
	assert.Equal(t, 1, ts.digests.Len())
}

func TestUnknownCommandIgnored(t *testing.T) {
	ts := startTestServer(t, nil)
	ts.writeFile(t, "a.txt", []byte("x"))

	c := dialRaw(t, ts.Server)
	c.send("HELLO server")
	c.send("get a.txt")
	c.send(strings.Repeat("z", messages.MaxLineLength+10))
	c.send("GET a.txt")
	// the first thing sent back is the answer to the valid GET
	assert.Equal(t, "OK", c.readLine())
}

func TestFinClosesConnection(t *testing.T) {
	ts := startTestServer(t, nil)
	c := dialRaw(t, ts.Server)
	require.Eventually(t, func() bool { return ts.Registry.Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	c.send("FIN")

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 1)
	_, err := c.conn.Read(buf)
	assert.ErrorIs(t, err, io.EOF)

	require.Eventually(t, func() bool { return ts.Registry.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestDisconnectUnregisters(t *testing.T) {
	ts := startTestServer(t, nil)
	c := dialRaw(t, ts.Server)
	require.Eventually(t, func() bool { return ts.Registry.Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	c.conn.Close()
	require.Eventually(t, func() bool { return ts.Registry.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestChat(t *testing.T) {
	ts := startTestServer(t, nil)
	c := dialRaw(t, ts.Server)

	c.send("CHAT hello operator")
	require.Eventually(t, func() bool {
		return strings.Contains(ts.output.String(), "hello operator")
	}, 5*time.Second, 10*time.Millisecond)

	ts.answer("hello client")
	assert.Equal(t, "hello client", c.readLine())
}

func TestChatEmptyReply(t *testing.T) {
	ts := startTestServer(t, nil)
	ts.writeFile(t, "a.txt", []byte("x"))
	c := dialRaw(t, ts.Server)

	c.send("CHAT anyone there?")
	ts.answer("")
	c.send("GET a.txt")
	// no chat reply was sent, the next line belongs to the GET
	assert.Equal(t, "OK", c.readLine())
}

func TestBroadcastReachesAllClients(t *testing.T) {
	ts := startTestServer(t, nil)

	const k = 4
	clients := make([]*rawClient, k)
	for i := range clients {
		clients[i] = dialRaw(t, ts.Server)
	}
	require.Eventually(t, func() bool { return ts.Registry.Len() == k }, 5*time.Second, 10*time.Millisecond)

	n, err := ts.Broadcast("server going down at noon")
	require.NoError(t, err)
	assert.Equal(t, k, n)

	for _, c := range clients {
		assert.Equal(t, "[SERVER]: server going down at noon", c.readLine())
	}
}

func TestRegistryCapacityExhausted(t *testing.T) {
	ts := startTestServer(t, func(cfg *Config) { cfg.RegistryCapacity = 1 })
	ts.writeFile(t, "a.txt", []byte("abc"))

	first := dialRaw(t, ts.Server)
	require.Eventually(t, func() bool { return ts.Registry.Len() == 1 }, 5*time.Second, 10*time.Millisecond)
	second := dialRaw(t, ts.Server)

	// the second client is still served
	second.send("GET a.txt")
	assert.Equal(t, "OK", second.readLine())
	assert.Equal(t, "SIZE 3", second.readLine())
	assert.Equal(t, []byte("abc"), second.readBody(3))
	second.readLine()

	assert.Equal(t, 1, ts.Registry.Len())
	n, err := ts.Broadcast("only one")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "[SERVER]: only one", first.readLine())
}

func TestBroadcastLoop(t *testing.T) {
	ts := startTestServer(t, nil)
	c := dialRaw(t, ts.Server)
	require.Eventually(t, func() bool { return ts.Registry.Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	stop := make(chan bool)
	done := make(chan error, 1)
	go func() { done <- ts.RunBroadcastLoop(stop) }()

	ts.answer("")
	ts.answer("from the operator")
	assert.Equal(t, "[SERVER]: from the operator", c.readLine())

	close(stop)
	// the loop sits in a prompt; closing the console ends it
	ts.operator.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast loop did not stop")
	}
}

func TestMarkovCorruptsBodyOnly(t *testing.T) {
	hook := logtest.NewGlobal()
	t.Cleanup(func() { logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks)) })

	ts := startTestServer(t, func(cfg *Config) {
		cfg.MarkovP = 1
		cfg.MarkovQ = 1
	})
	data := bytes.Repeat([]byte("0123456789"), 300)
	ts.writeFile(t, "d.txt", data)

	c := dialRaw(t, ts.Server)
	c.send("GET d.txt")
	assert.Equal(t, "OK", c.readLine())
	assert.Equal(t, "SIZE 3000", c.readLine())
	body := c.readBody(3000)
	assert.NotEqual(t, data, body)
	// HASH describes the file, not what went over the wire
	assert.Equal(t, "HASH "+sha256Hex(data), c.readLine())

	// the corrupted writes are reported in the transfer log
	require.Eventually(t, func() bool {
		for _, e := range hook.AllEntries() {
			if e.Message == "File sent" {
				return e.Data["corrupted_writes"].(int) > 0
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCloseDropsConnections(t *testing.T) {
	ts := startTestServer(t, nil)
	c := dialRaw(t, ts.Server)
	require.Eventually(t, func() bool { return ts.Registry.Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, ts.Close())
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := c.conn.Read(make([]byte, 1))
	assert.Error(t, err)
	ts.Wait()
}

func TestChatDuringBroadcastPromptHint(t *testing.T) {
	ts := startTestServer(t, nil)
	c := dialRaw(t, ts.Server)
	require.Eventually(t, func() bool { return ts.Registry.Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	stop := make(chan bool)
	go ts.RunBroadcastLoop(stop)
	defer close(stop)
	require.Eventually(t, ts.Console.IdleWaiting, 5*time.Second, time.Millisecond)

	c.send("CHAT are you there?")
	require.Eventually(t, func() bool {
		return strings.Contains(ts.output.String(), "finish the broadcast line first")
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, ts.Console.Busy, 5*time.Second, time.Millisecond)

	// the first line completes the waiting broadcast, the second is the reply
	go func() {
		io.WriteString(ts.operator, "to everyone\n")
		io.WriteString(ts.operator, "yes\n")
	}()
	assert.Equal(t, "[SERVER]: to everyone", c.readLine())
	assert.Equal(t, "yes", c.readLine())
}
