package mailbox

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/migadu/bouncer/config"
	"github.com/migadu/bouncer/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pop3Server is a single-account POP3 maildrop. Deletions are committed
// when a session ends with QUIT.
type pop3Server struct {
	user, pass string

	mu       sync.Mutex
	messages []string
	removed  map[int]bool
	commands []string
}

func startPOP3Server(t *testing.T, messages ...string) (*pop3Server, config.RemoteMailboxConfig) {
	t.Helper()

	s := &pop3Server{
		user:     "bounces@lists.example.com",
		pass:     "secret",
		messages: messages,
		removed:  make(map[int]bool),
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn)
		}
	}()

	return s, config.RemoteMailboxConfig{
		Host:     "127.0.0.1",
		Port:     ln.Addr().(*net.TCPAddr).Port,
		User:     s.user,
		Password: s.pass,
	}
}

func (s *pop3Server) serve(conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	reply := func(format string, args ...any) {
		fmt.Fprintf(w, format+"\r\n", args...)
		w.Flush()
	}

	var user string
	authed := false
	pending := make(map[int]bool)

	reply("+OK maildrop ready")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd, arg, _ := strings.Cut(strings.TrimRight(line, "\r\n"), " ")
		cmd = strings.ToUpper(cmd)

		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		s.mu.Unlock()

		switch {
		case cmd == "USER":
			user = arg
			reply("+OK")
		case cmd == "PASS":
			if user != s.user || arg != s.pass {
				reply("-ERR invalid credentials")
				continue
			}
			authed = true
			reply("+OK logged in")
		case cmd == "NOOP":
			reply("+OK")
		case cmd == "QUIT":
			s.mu.Lock()
			for id := range pending {
				s.removed[id] = true
			}
			s.mu.Unlock()
			reply("+OK bye")
			return
		case !authed:
			reply("-ERR not authenticated")
		case cmd == "STAT":
			count, size := s.stat()
			reply("+OK %d %d", count, size)
		case cmd == "RETR":
			msg, ok := s.message(arg)
			if !ok {
				reply("-ERR no such message")
				continue
			}
			reply("+OK %d octets", len(msg))
			for _, l := range strings.Split(strings.TrimRight(msg, "\r\n"), "\r\n") {
				if strings.HasPrefix(l, ".") {
					l = "." + l
				}
				fmt.Fprintf(w, "%s\r\n", l)
			}
			reply(".")
		case cmd == "DELE":
			if _, ok := s.message(arg); !ok {
				reply("-ERR no such message")
				continue
			}
			id, _ := strconv.Atoi(arg)
			pending[id] = true
			reply("+OK marked")
		default:
			reply("-ERR unknown command")
		}
	}
}

func (s *pop3Server) stat() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	size := 0
	for _, m := range s.messages {
		size += len(m)
	}
	return len(s.messages), size
}

func (s *pop3Server) message(arg string) (string, bool) {
	id, err := strconv.Atoi(arg)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil || id < 1 || id > len(s.messages) {
		return "", false
	}
	return s.messages[id-1], true
}

func (s *pop3Server) Removed() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int
	for id := 1; id <= len(s.messages); id++ {
		if s.removed[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *pop3Server) Sent(cmd string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.commands {
		if c == cmd {
			return true
		}
	}
	return false
}

// closedPort returns a local port nothing listens on.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestPOP3ReaderReadsAndPurges(t *testing.T) {
	server, cfg := startPOP3Server(t, bounceFixture(1), bounceFixture(2), bounceFixture(3))
	ctx := context.Background()

	r := NewPOP3Reader(cfg, Options{Purge: true})
	require.NoError(t, r.Open(ctx, "INBOX"))

	msgs := readAll(t, r)
	require.Len(t, msgs, 3)
	assert.Equal(t, uint32(1), msgs[0].Seq)
	assert.Equal(t, "INBOX", msgs[0].Mailbox)
	assert.Contains(t, msgs[1].Header, "Undelivered Mail 2")
	assert.Contains(t, msgs[2].Body, "X-ListMember: 43")

	for _, msg := range msgs {
		require.NoError(t, r.Purge(ctx, msg, msg.Seq != 2))
	}
	assert.Empty(t, server.Removed(), "deletions wait for QUIT")

	require.NoError(t, r.Close())
	assert.Eventually(t, func() bool { return len(server.Removed()) == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{1, 3}, server.Removed())
}

func TestPOP3ReaderTestModeNeverDeletes(t *testing.T) {
	server, cfg := startPOP3Server(t, bounceFixture(1), bounceFixture(2))
	ctx := context.Background()

	r := NewPOP3Reader(cfg, Options{Test: true, Purge: true, PurgeUnprocessed: true})
	require.NoError(t, r.Open(ctx, "inbox"))
	for _, msg := range readAll(t, r) {
		require.NoError(t, r.Purge(ctx, msg, true))
	}
	require.NoError(t, r.Close())

	assert.True(t, server.Sent("RETR"))
	assert.False(t, server.Sent("DELE"))
	assert.Empty(t, server.Removed())
}

func TestPOP3ReaderMaximum(t *testing.T) {
	_, cfg := startPOP3Server(t, bounceFixture(1), bounceFixture(2), bounceFixture(3))

	r := NewPOP3Reader(cfg, Options{Maximum: 1})
	defer r.Close()
	require.NoError(t, r.Open(context.Background(), "INBOX"))
	assert.Len(t, readAll(t, r), 1)
}

func TestPOP3ReaderBadCredentials(t *testing.T) {
	_, cfg := startPOP3Server(t, bounceFixture(1))
	cfg.Password = "wrong"

	r := NewPOP3Reader(cfg, Options{})
	err := r.Open(context.Background(), "INBOX")
	assert.ErrorIs(t, err, consts.ErrMailboxConnection)
	assert.NoError(t, r.Close())
}

func TestPOP3ReaderConnectionRefused(t *testing.T) {
	cfg := config.RemoteMailboxConfig{Host: "127.0.0.1", Port: closedPort(t), User: "u", Password: "p"}

	r := NewPOP3Reader(cfg, Options{})
	err := r.Open(context.Background(), "INBOX")
	assert.ErrorIs(t, err, consts.ErrMailboxConnection)
}
