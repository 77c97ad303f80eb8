package udptracker

import (
	"context"
	"math/rand"
	"net"
	"net/url"
	"time"

	"github.com/dmoreau/gobt/tracker/announceclient"
)

// maxRetries bounds the BEP 15 retry loop: each attempt waits
// 15*2^n seconds for a reply before resending, giving up after the 8th.
const maxRetries = 8

const baseTimeout = 15 * time.Second

// Client announces to BEP 15 UDP trackers.
type Client struct {
	dial func(network string, raddr *net.UDPAddr) (net.Conn, error)
}

// NewClient builds a Client that dials real UDP sockets.
func NewClient() *Client {
	return &Client{dial: dialUDP}
}

func dialUDP(network string, raddr *net.UDPAddr) (net.Conn, error) {
	return net.DialUDP(network, nil, raddr)
}

// Announce implements announceclient.Client.
func (c *Client) Announce(ctx context.Context, rawURL string, req announceclient.Request) (*announceclient.Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errf("parse tracker url: %s", err)
	}
	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, errf("resolve %s: %s", u.Host, err)
	}

	conn, err := c.dial("udp", addr)
	if err != nil {
		return nil, errf("dial %s: %s", u.Host, err)
	}
	defer conn.Close()

	stop := watchContext(ctx, conn)
	defer close(stop)

	connectionID, err := c.connect(conn)
	if err != nil {
		return nil, err
	}
	return c.announce(conn, connectionID, req)
}

// watchContext closes conn if ctx is canceled before the caller is done,
// unblocking any in-flight Read/Write. The returned channel must be closed
// by the caller once the exchange finishes, win or lose.
func watchContext(ctx context.Context, conn net.Conn) chan struct{} {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()
	return stop
}

func (c *Client) connect(conn net.Conn) (uint64, error) {
	transactionID := rand.Uint32()
	req := connectRequest(transactionID)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		timeout := baseTimeout * time.Duration(1<<uint(attempt))
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return 0, errf("set deadline: %s", err)
		}
		if _, err := conn.Write(req); err != nil {
			lastErr = err
			continue
		}
		resp := make([]byte, 16)
		n, err := conn.Read(resp)
		if err != nil {
			lastErr = err
			continue
		}
		connectionID, err := parseConnectResponse(resp[:n], transactionID)
		if err != nil {
			return 0, err
		}
		return connectionID, nil
	}
	return 0, errf("connect: no response after %d attempts: %v", maxRetries+1, lastErr)
}

func (c *Client) announce(conn net.Conn, connectionID uint64, req announceclient.Request) (*announceclient.Result, error) {
	transactionID := rand.Uint32()
	datagram := announceRequest(connectionID, transactionID, req)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		timeout := baseTimeout * time.Duration(1<<uint(attempt))
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return nil, errf("set deadline: %s", err)
		}
		if _, err := conn.Write(datagram); err != nil {
			lastErr = err
			continue
		}
		resp := make([]byte, 2048)
		n, err := conn.Read(resp)
		if err != nil {
			lastErr = err
			continue
		}
		return parseAnnounceResponse(resp[:n], transactionID)
	}
	return nil, errf("announce: no response after %d attempts: %v", maxRetries+1, lastErr)
}

