package katcp

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
)

// Client sends requests to a KATCP server and waits for their replies. It is
// safe for concurrent use; requests are sent one at a time.
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	nextID int
}

func Dial(ctx context.Context, address string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to katcp server [%s]", address)
	}
	return &Client{conn: conn, reader: bufio.NewReader(conn)}, nil
}

// Request sends ?name with args and returns the reply plus any informs that
// carried the same message id.
func (c *Client) Request(ctx context.Context, name string, args ...string) (*Message, []*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	req := &Message{Type: Request, Name: name, ID: strconv.Itoa(c.nextID), Args: args}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, nil, err
	}
	if _, err := c.conn.Write([]byte(req.String() + "\n")); err != nil {
		return nil, nil, errors.Wrapf(err, "sending [%s]", name)
	}

	var informs []*Message
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, informs, errors.Wrapf(err, "waiting for reply to [%s]", name)
		}
		msg, err := ParseMessage(line)
		if err != nil {
			pfxlog.Logger().WithError(err).Debug("ignoring malformed katcp line")
			continue
		}
		if msg.Name != req.Name || msg.ID != req.ID {
			continue
		}
		switch msg.Type {
		case Inform:
			informs = append(informs, msg)
		case Reply:
			return msg, informs, nil
		}
	}
}

func (c *Client) Close() error {
	return c.conn.Close()
}
