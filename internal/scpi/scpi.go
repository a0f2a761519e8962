// Package scpi implements a minimal SCPI client over a raw TCP socket, the
// transport spoken by bench instruments on port 5025.
package scpi

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Transport is the command/query surface an instrument adapter needs. The
// concrete implementation is *Client; tests substitute an in-memory fake.
type Transport interface {
	Command(cmd string) error
	Query(q string) (string, error)
	QueryBlock(q string) ([]byte, error)
	Close() error
}

// Client is a SCPI connection over TCP. All methods are safe for use from
// one goroutine at a time; a mutex serializes command/response pairs.
type Client struct {
	addr    string
	timeout time.Duration

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// Dial connects to an instrument at addr ("host:port"). The timeout applies
// to the dial and to every subsequent read and write.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("scpi: dial %s: %w", addr, err)
	}
	return &Client{
		addr:    addr,
		timeout: timeout,
		conn:    conn,
		reader:  bufio.NewReaderSize(conn, 1<<16),
	}, nil
}

// Command sends a command that produces no response.
func (c *Client) Command(cmd string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(cmd)
}

// Query sends a query and returns one response line with the terminator and
// surrounding whitespace removed.
func (c *Client) Query(q string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.send(q); err != nil {
		return "", err
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return "", err
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("scpi: read reply to %q: %w", q, err)
	}
	return strings.TrimSpace(line), nil
}

// QueryBlock sends a query whose response is an IEEE 488.2 definite-length
// block: '#', one digit N, N digits of payload length, then the payload.
func (c *Client) QueryBlock(q string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.send(q); err != nil {
		return nil, err
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, err
	}

	head := make([]byte, 2)
	if _, err := io.ReadFull(c.reader, head); err != nil {
		return nil, fmt.Errorf("scpi: read block header: %w", err)
	}
	if head[0] != '#' {
		return nil, fmt.Errorf("scpi: block reply to %q starts with %q, want '#'", q, head[0])
	}
	ndigits := int(head[1] - '0')
	if ndigits < 1 || ndigits > 9 {
		return nil, fmt.Errorf("scpi: block header digit count %q invalid", head[1])
	}
	lenField := make([]byte, ndigits)
	if _, err := io.ReadFull(c.reader, lenField); err != nil {
		return nil, fmt.Errorf("scpi: read block length: %w", err)
	}
	n, err := strconv.Atoi(string(lenField))
	if err != nil {
		return nil, fmt.Errorf("scpi: block length %q: %w", lenField, err)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(c.reader, payload); err != nil {
		return nil, fmt.Errorf("scpi: read %d block bytes: %w", n, err)
	}
	// Consume the trailing terminator, if the instrument sends one.
	if b, err := c.reader.Peek(1); err == nil && (b[0] == '\n' || b[0] == '\r') {
		c.reader.ReadByte()
		if b2, err2 := c.reader.Peek(1); err2 == nil && b2[0] == '\n' && b[0] == '\r' {
			c.reader.ReadByte()
		}
	}
	return payload, nil
}

// Close shuts the connection. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}

func (c *Client) send(cmd string) error {
	if c.conn == nil {
		return fmt.Errorf("scpi: connection to %s is closed", c.addr)
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.conn, "%s\n", cmd); err != nil {
		return fmt.Errorf("scpi: send %q: %w", cmd, err)
	}
	return nil
}
