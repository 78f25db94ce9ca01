package tracker

import (
	"bufio"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const poolSize = 4

// Options tunes the client's connection handling.
type Options struct {
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	MaxRetries     int
}

// Client is a MogileFS tracker client scoped to one domain. It is safe for
// concurrent use; idle connections are pooled and reused.
type Client struct {
	trackers []string
	domain   string
	opts     Options

	next uint64        // round-robin cursor over trackers
	idle chan net.Conn // pooled idle connections
}

// New creates a tracker client for the given host:port addresses and domain.
func New(trackers []string, domain string, opts Options) *Client {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 3 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}

	return &Client{
		trackers: append([]string(nil), trackers...),
		domain:   domain,
		opts:     opts,
		idle:     make(chan net.Conn, poolSize),
	}
}

// Domain returns the domain this client is scoped to.
func (c *Client) Domain() string {
	return c.domain
}

// Close drops all pooled connections.
func (c *Client) Close() {
	for {
		select {
		case conn := <-c.idle:
			conn.Close()
		default:
			return
		}
	}
}

// do performs one tracker round trip. A network failure discards the
// connection and retries on another (pooled or newly dialed) one; a tracker
// ERR response is final.
func (c *Client) do(cmd string, args url.Values) (url.Values, error) {
	var lastErr error
	for attempt := 0; attempt < c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
		}

		conn, err := c.conn()
		if err != nil {
			lastErr = err
			continue
		}

		res, err := c.roundTrip(conn, cmd, args)
		if err != nil {
			if te, ok := err.(*Error); ok {
				c.release(conn)
				return nil, te
			}
			// Transport-level failure: the connection is suspect.
			conn.Close()
			lastErr = err
			continue
		}

		c.release(conn)
		return res, nil
	}
	return nil, &Error{Code: "no_trackers", Str: fmt.Sprintf("all trackers unreachable: %v", lastErr)}
}

func (c *Client) roundTrip(conn net.Conn, cmd string, args url.Values) (url.Values, error) {
	if err := conn.SetDeadline(time.Now().Add(c.opts.RequestTimeout)); err != nil {
		return nil, err
	}

	req := cmd
	if encoded := args.Encode(); encoded != "" {
		req += " " + encoded
	}
	logrus.Tracef("tracker > %s", req)
	if _, err := fmt.Fprintf(conn, "%s\r\n", req); err != nil {
		return nil, err
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimRight(line, "\r\n")
	logrus.Tracef("tracker < %s", line)

	return parseResponse(line)
}

func parseResponse(line string) (url.Values, error) {
	verb, rest, _ := strings.Cut(line, " ")
	switch verb {
	case "OK":
		res, err := url.ParseQuery(rest)
		if err != nil {
			return nil, fmt.Errorf("malformed tracker response: %w", err)
		}
		return res, nil
	case "ERR":
		code, msg, _ := strings.Cut(rest, " ")
		if decoded, err := url.QueryUnescape(msg); err == nil {
			msg = decoded
		}
		return nil, &Error{Code: code, Str: msg}
	default:
		return nil, fmt.Errorf("unexpected tracker response %q", line)
	}
}

// conn returns a pooled connection or dials a tracker, rotating through the
// configured addresses.
func (c *Client) conn() (net.Conn, error) {
	select {
	case conn := <-c.idle:
		return conn, nil
	default:
	}

	var lastErr error
	for i := 0; i < len(c.trackers); i++ {
		addr := c.trackers[atomic.AddUint64(&c.next, 1)%uint64(len(c.trackers))]
		conn, err := net.DialTimeout("tcp", addr, c.opts.DialTimeout)
		if err == nil {
			return conn, nil
		}
		logrus.Debugf("tracker dial %s failed: %v", addr, err)
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) release(conn net.Conn) {
	select {
	case c.idle <- conn:
	default:
		conn.Close()
	}
}
