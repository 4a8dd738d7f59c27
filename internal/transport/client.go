package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/racenet/internal/packet"
)

// DialOptions tune how hard Dial tries to reach the server.
type DialOptions struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Timeout         time.Duration
}

var DefaultDialOptions = DialOptions{
	MaxRetries:      5,
	InitialInterval: 250 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	Timeout:         3 * time.Second,
}

// Client is the player's side of both channels. Its events carry
// InvalidConnection since there is only one peer.
type Client struct {
	logger *zap.Logger
	safe   net.Conn
	fast   *net.UDPConn
	out    chan []byte
	events chan Event
	done   chan struct{}
	// flushed closes when the safe writer has drained its outbox.
	flushed chan struct{}
	wg      sync.WaitGroup

	mu       sync.Mutex
	deferred *packet.DisconnectReason
	closed   bool

	closeOnce sync.Once
	closeErr  error
}

// Dial opens the safe connection, retrying with exponential backoff, then a
// connected UDP socket to the same host and port.
func Dial(ctx context.Context, addr string, logger *zap.Logger, opts DialOptions) (*Client, error) {
	logger = logger.Named("transport")

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = opts.InitialInterval
	eb.MaxInterval = opts.MaxInterval
	b := backoff.WithContext(backoff.WithMaxRetries(eb, opts.MaxRetries), ctx)

	dialer := net.Dialer{Timeout: opts.Timeout}
	var safe net.Conn
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			logger.Debug("dial failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		safe = conn
		return nil
	}, b)
	if err != nil {
		return nil, fmt.Errorf("dial safe %s: %w", addr, err)
	}

	raddr := safe.RemoteAddr().(*net.TCPAddr)
	fast, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: raddr.IP, Port: raddr.Port, Zone: raddr.Zone})
	if err != nil {
		safe.Close()
		return nil, fmt.Errorf("dial fast %s: %w", addr, err)
	}

	c := &Client{
		logger:  logger,
		safe:    safe,
		fast:    fast,
		out:     make(chan []byte, outboxSize),
		events:  make(chan Event, eventsSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
	}
	c.wg.Add(3)
	go c.safeReadLoop()
	go c.safeWriteLoop()
	go c.fastReadLoop()
	logger.Info("connected", zap.Stringer("server", raddr), zap.Int("attempts", attempt))
	return c, nil
}

func (c *Client) Events() <-chan Event { return c.events }

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Client) safeReadLoop() {
	defer c.wg.Done()
	r := bufio.NewReader(c.safe)
	for {
		data, err := readFrame(r)
		if err != nil {
			c.emit(Event{Kind: EventDisconnected, Channel: Safe, Conn: InvalidConnection, Err: err})
			return
		}
		c.emit(Event{Kind: EventReceived, Channel: Safe, Conn: InvalidConnection, Data: data})
	}
}

func (c *Client) safeWriteLoop() {
	defer c.wg.Done()
	defer close(c.flushed)
	for data := range c.out {
		c.safe.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := c.safe.Write(data); err != nil {
			c.logger.Debug("safe write failed", zap.Error(err))
			c.safe.Close()
			return
		}
	}
}

func (c *Client) fastReadLoop() {
	defer c.wg.Done()
	buf := make([]byte, readBuffer)
	for {
		n, err := c.fast.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// ICMP unreachable surfaces here on a connected socket; keep going.
			continue
		}
		if n < packet.HeaderSize {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		c.emit(Event{Kind: EventReceived, Channel: Fast, Conn: InvalidConnection, Data: data})
	}
}

func (c *Client) Send(ch Channel, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	switch ch {
	case Safe:
		select {
		case c.out <- data:
			return nil
		default:
			return ErrOutboxFull
		}
	case Fast:
		_, err := c.fast.Write(data)
		return err
	default:
		return fmt.Errorf("transport: bad channel %d", ch)
	}
}

func (c *Client) SendPacket(ch Channel, p packet.Packet) error {
	for _, frame := range Frames(packet.Encode(p)) {
		if err := c.Send(ch, frame); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) SendLargePayload(ch Channel, subtype packet.LargeSubtype, data []byte) error {
	for _, frame := range LargeFrames(subtype, data) {
		if err := c.Send(ch, frame); err != nil {
			return err
		}
	}
	return nil
}

// DestroyConnectionSoon tears down both channels at the next ProcessDeferred.
// The first reason recorded wins.
func (c *Client) DestroyConnectionSoon(reason packet.DisconnectReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deferred == nil {
		c.deferred = &reason
	}
}

// ProcessDeferred sends the courtesy Disconnect on both channels and closes
// them if a destroy was requested. It reports whether it did.
func (c *Client) ProcessDeferred() bool {
	c.mu.Lock()
	reason := c.deferred
	c.deferred = nil
	c.mu.Unlock()
	if reason == nil {
		return false
	}

	courtesy := packet.Encode(packet.CreateDisconnectPacket(*reason))
	_ = c.Send(Fast, courtesy)
	_ = c.Send(Safe, courtesy)
	c.logger.Info("disconnecting", zap.Stringer("reason", *reason))
	c.Close()
	return true
}

// Close flushes queued safe writes, then closes both sockets.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.out)
		c.mu.Unlock()

		select {
		case <-c.flushed:
		case <-time.After(writeTimeout):
		}

		close(c.done)
		c.closeErr = multierr.Combine(ignoreClosed(c.safe.Close()), ignoreClosed(c.fast.Close()))
		c.wg.Wait()
	})
	return c.closeErr
}
