package socket

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/louisbranch/seg3d/internal/services/seg3d/domain/action"
)

// ErrClosed is returned by Client methods after Close.
var ErrClosed = errors.New("socket client is closed")

// Reply is the parsed response to one command.
type Reply struct {
	Reports []action.Report
}

// Err returns the last ERROR: line as an error, or nil.
func (r Reply) Err() error {
	for i := len(r.Reports) - 1; i >= 0; i-- {
		if r.Reports[i].Level == action.LevelError {
			return errors.New(r.Reports[i].Text)
		}
	}
	return nil
}

// Result returns the text of the RESULT: line.
func (r Reply) Result() (string, bool) {
	for _, rep := range r.Reports {
		if rep.Level == action.LevelResult {
			return rep.Text, true
		}
	}
	return "", false
}

// Client speaks the action protocol to a Server. It is not safe for
// concurrent use.
type Client struct {
	conn     net.Conn
	r        *bufio.Reader
	greeting string
}

// Dial connects to addr and reads the greeting.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c := &Client{conn: conn, r: bufio.NewReader(conn)}
	stop := c.watch(ctx)
	defer stop()
	greeting, err := c.readLine()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read greeting: %w", err)
	}
	c.greeting = greeting
	return c, nil
}

// Greeting returns the server's welcome line.
func (c *Client) Greeting() string { return c.greeting }

// Exec sends one command line and reads lines until the terminating RESULT:
// or ERROR: line.
func (c *Client) Exec(ctx context.Context, line string) (Reply, error) {
	if c.conn == nil {
		return Reply{}, ErrClosed
	}
	if strings.ContainsAny(line, "\r\n") {
		return Reply{}, fmt.Errorf("command must be a single line")
	}
	stop := c.watch(ctx)
	defer stop()
	if _, err := io.WriteString(c.conn, line+lineEnd); err != nil {
		return Reply{}, fmt.Errorf("send command: %w", err)
	}
	var reply Reply
	for {
		text, err := c.readLine()
		if err != nil {
			if ctx.Err() != nil {
				return reply, ctx.Err()
			}
			return reply, fmt.Errorf("read reply: %w", err)
		}
		rep := parseReport(text)
		reply.Reports = append(reply.Reports, rep)
		if rep.Level == action.LevelResult || rep.Level == action.LevelError {
			return reply, nil
		}
	}
}

// Close sends exit and closes the connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	_, _ = io.WriteString(c.conn, ExitCommand+lineEnd)
	err := c.conn.Close()
	c.conn = nil
	return err
}

// watch unblocks pending I/O when ctx ends.
func (c *Client) watch(ctx context.Context) func() bool {
	conn := c.conn
	return context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
}

func (c *Client) readLine() (string, error) {
	text, err := c.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(text, lineEnd), nil
}

func parseReport(line string) action.Report {
	for _, level := range []action.Level{action.LevelError, action.LevelWarning, action.LevelMessage, action.LevelResult} {
		if rest, ok := strings.CutPrefix(line, level.Prefix()); ok {
			return action.Report{Level: level, Text: strings.TrimPrefix(rest, " ")}
		}
	}
	return action.Report{Level: action.LevelMessage, Text: line}
}
