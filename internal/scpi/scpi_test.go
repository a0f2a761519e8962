package scpi

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serveOnce accepts one connection on l and answers each received line using
// the reply function, writing whatever bytes it returns.
func serveOnce(t *testing.T, l net.Listener, reply func(cmd string) []byte) {
	t.Helper()
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if out := reply(strings.TrimSpace(line)); out != nil {
				conn.Write(out)
			}
		}
	}()
}

func TestQueryAndCommand(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	var gotCommands []string
	serveOnce(t, l, func(cmd string) []byte {
		switch cmd {
		case "*IDN?":
			return []byte("RIGOL TECHNOLOGIES,DS1054Z,DS1ZA000000001,00.04.04\n")
		case ":ACQuire:MDEPth?":
			return []byte("6000\r\n")
		default:
			gotCommands = append(gotCommands, cmd)
			return nil
		}
	})

	c, err := Dial(l.Addr().String(), time.Second)
	require.NoError(t, err)
	defer c.Close()

	idn, err := c.Query("*IDN?")
	require.NoError(t, err)
	assert.Equal(t, "RIGOL TECHNOLOGIES,DS1054Z,DS1ZA000000001,00.04.04", idn)

	depth, err := c.Query(":ACQuire:MDEPth?")
	require.NoError(t, err)
	assert.Equal(t, "6000", depth, "CRLF terminator should be stripped")

	require.NoError(t, c.Command(":STOP"))
	// Queries round-trip, so :STOP must have arrived before this reply.
	_, err = c.Query("*IDN?")
	require.NoError(t, err)
	assert.Equal(t, []string{":STOP"}, gotCommands)
}

func TestQueryBlock(t *testing.T) {
	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	serveOnce(t, l, func(cmd string) []byte {
		if cmd == ":WAVeform:DATA?" {
			out := []byte("#3300")
			out = append(out, payload...)
			return append(out, '\n')
		}
		return nil
	})

	c, err := Dial(l.Addr().String(), time.Second)
	require.NoError(t, err)
	defer c.Close()

	got, err := c.QueryBlock(":WAVeform:DATA?")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// A second read on the same connection must not see leftover bytes.
	got, err = c.QueryBlock(":WAVeform:DATA?")
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestQueryBlockBadHeader(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	serveOnce(t, l, func(cmd string) []byte { return []byte("garbage response\n") })

	c, err := Dial(l.Addr().String(), time.Second)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.QueryBlock(":WAVeform:DATA?")
	assert.Error(t, err)
}

func TestCloseIdempotent(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	serveOnce(t, l, func(cmd string) []byte { return nil })

	c, err := Dial(l.Addr().String(), time.Second)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "second Close should be a no-op")
	assert.Error(t, c.Command(":RUN"), "commands after Close should fail")
}
