package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/racenet/internal/packet"
)

const writeTimeout = 5 * time.Second

type safeConn struct {
	id     ConnectionID
	conn   net.Conn
	out    chan []byte
	closed bool
}

type destroyRequest struct {
	ch     Channel
	id     ConnectionID
	reason packet.DisconnectReason
}

// Server accepts safe connections on TCP and fast peers on UDP. A fast peer is
// identified by its source address.
type Server struct {
	logger *zap.Logger
	tcp    net.Listener
	udp    *net.UDPConn
	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup
	nextID atomic.Uint32

	mu         sync.Mutex
	safe       map[ConnectionID]*safeConn
	fast       map[ConnectionID]*net.UDPAddr
	fastByAddr map[string]ConnectionID

	deferred []destroyRequest

	closeOnce sync.Once
	closeErr  error
}

// Listen opens the TCP listener and the UDP socket on the same port. With port
// 0 the UDP socket takes whatever port TCP was given.
func Listen(ctx context.Context, addr string, logger *zap.Logger) (*Server, error) {
	var lc net.ListenConfig
	tcp, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen safe: %w", err)
	}
	udpAddr := &net.UDPAddr{
		IP:   tcp.Addr().(*net.TCPAddr).IP,
		Port: tcp.Addr().(*net.TCPAddr).Port,
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		tcp.Close()
		return nil, fmt.Errorf("listen fast: %w", err)
	}

	s := &Server{
		logger:     logger.Named("transport"),
		tcp:        tcp,
		udp:        udp,
		events:     make(chan Event, eventsSize),
		done:       make(chan struct{}),
		safe:       make(map[ConnectionID]*safeConn),
		fast:       make(map[ConnectionID]*net.UDPAddr),
		fastByAddr: make(map[string]ConnectionID),
	}
	s.wg.Add(2)
	go s.acceptLoop()
	go s.fastReadLoop()
	s.logger.Info("listening", zap.Stringer("addr", tcp.Addr()))
	return s, nil
}

// Addr is the shared address of both channels.
func (s *Server) Addr() net.Addr { return s.tcp.Addr() }

// Events is drained by the simulation goroutine.
func (s *Server) Events() <-chan Event { return s.events }

func (s *Server) newID() ConnectionID {
	return ConnectionID(s.nextID.Add(1) - 1)
}

func (s *Server) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.tcp.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		select {
		case <-s.done:
			conn.Close()
			return
		default:
		}
		sc := &safeConn{id: s.newID(), conn: conn, out: make(chan []byte, outboxSize)}
		s.mu.Lock()
		s.safe[sc.id] = sc
		s.mu.Unlock()

		s.emit(Event{Kind: EventConnected, Channel: Safe, Conn: sc.id, Addr: conn.RemoteAddr()})
		s.wg.Add(2)
		go s.safeWriteLoop(sc)
		go s.safeReadLoop(sc)
	}
}

func (s *Server) safeReadLoop(sc *safeConn) {
	defer s.wg.Done()
	r := bufio.NewReader(sc.conn)
	for {
		data, err := readFrame(r)
		if err != nil {
			s.dropSafe(sc.id, err)
			return
		}
		s.emit(Event{Kind: EventReceived, Channel: Safe, Conn: sc.id, Data: data})
	}
}

func (s *Server) safeWriteLoop(sc *safeConn) {
	defer s.wg.Done()
	defer sc.conn.Close()
	for data := range sc.out {
		sc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := sc.conn.Write(data); err != nil {
			s.logger.Debug("safe write failed", zap.Uint32("conn", uint32(sc.id)), zap.Error(err))
			return
		}
	}
}

// dropSafe forgets a connection the remote side lost. Connections destroyed
// locally are already gone from the map and produce no event.
func (s *Server) dropSafe(id ConnectionID, err error) {
	s.mu.Lock()
	sc, ok := s.safe[id]
	if ok {
		delete(s.safe, id)
		s.closeOutbox(sc)
	}
	s.mu.Unlock()
	if ok {
		s.emit(Event{Kind: EventDisconnected, Channel: Safe, Conn: id, Err: err})
	}
}

// closeOutbox must be called with mu held.
func (s *Server) closeOutbox(sc *safeConn) {
	if !sc.closed {
		sc.closed = true
		close(sc.out)
	}
}

func (s *Server) fastReadLoop() {
	defer s.wg.Done()
	buf := make([]byte, readBuffer)
	for {
		n, addr, err := s.udp.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Debug("fast read failed", zap.Error(err))
			continue
		}
		if n < packet.HeaderSize {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		key := addr.String()
		s.mu.Lock()
		id, known := s.fastByAddr[key]
		if !known {
			id = s.newID()
			s.fastByAddr[key] = id
			s.fast[id] = addr
		}
		s.mu.Unlock()

		if !known {
			s.emit(Event{Kind: EventConnected, Channel: Fast, Conn: id, Addr: addr})
		}
		s.emit(Event{Kind: EventReceived, Channel: Fast, Conn: id, Data: data})
	}
}

// Send queues raw bytes on one connection. A safe connection whose outbox is
// full is cut off; its reader reports the disconnect.
func (s *Server) Send(ch Channel, id ConnectionID, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ch {
	case Safe:
		sc, ok := s.safe[id]
		if !ok || sc.closed {
			return ErrUnknownConnection
		}
		select {
		case sc.out <- data:
			return nil
		default:
			s.logger.Warn("dropping slow connection", zap.Uint32("conn", uint32(id)))
			sc.conn.Close()
			return ErrOutboxFull
		}
	case Fast:
		addr, ok := s.fast[id]
		if !ok {
			return ErrUnknownConnection
		}
		_, err := s.udp.WriteToUDP(data, addr)
		return err
	default:
		return fmt.Errorf("transport: bad channel %d", ch)
	}
}

// SendPacket encodes p and sends it, chunking when it does not fit one packet.
func (s *Server) SendPacket(ch Channel, id ConnectionID, p packet.Packet) error {
	for _, frame := range Frames(packet.Encode(p)) {
		if err := s.Send(ch, id, frame); err != nil {
			return err
		}
	}
	return nil
}

// SendLargePayload sends data as a stream of fragments of the given subtype.
func (s *Server) SendLargePayload(ch Channel, id ConnectionID, subtype packet.LargeSubtype, data []byte) error {
	for _, frame := range LargeFrames(subtype, data) {
		if err := s.Send(ch, id, frame); err != nil {
			return err
		}
	}
	return nil
}

// DestroyConnectionSoon schedules a courtesy disconnect and close for the
// next ProcessDeferred.
func (s *Server) DestroyConnectionSoon(ch Channel, id ConnectionID, reason packet.DisconnectReason) {
	if !id.IsValid() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deferred {
		if d.ch == ch && d.id == id {
			return
		}
	}
	s.deferred = append(s.deferred, destroyRequest{ch: ch, id: id, reason: reason})
}

// ProcessDeferred carries out the scheduled destroys and reports how many
// connections were closed.
func (s *Server) ProcessDeferred() int {
	s.mu.Lock()
	pending := s.deferred
	s.deferred = nil
	s.mu.Unlock()

	closed := 0
	for _, d := range pending {
		courtesy := packet.Encode(packet.CreateDisconnectPacket(d.reason))
		_ = s.Send(d.ch, d.id, courtesy)

		s.mu.Lock()
		switch d.ch {
		case Safe:
			if sc, ok := s.safe[d.id]; ok {
				delete(s.safe, d.id)
				s.closeOutbox(sc)
				closed++
			}
		case Fast:
			if addr, ok := s.fast[d.id]; ok {
				delete(s.fast, d.id)
				delete(s.fastByAddr, addr.String())
				closed++
			}
		}
		s.mu.Unlock()
		s.logger.Debug("connection destroyed",
			zap.Stringer("channel", d.ch),
			zap.Uint32("conn", uint32(d.id)),
			zap.Stringer("reason", d.reason))
	}
	return closed
}

// Close stops both sockets and every connection, then waits for the socket
// goroutines to exit.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		err := multierr.Combine(ignoreClosed(s.tcp.Close()), ignoreClosed(s.udp.Close()))

		s.mu.Lock()
		for id, sc := range s.safe {
			err = multierr.Append(err, ignoreClosed(sc.conn.Close()))
			s.closeOutbox(sc)
			delete(s.safe, id)
		}
		s.mu.Unlock()

		s.wg.Wait()
		s.closeErr = err
	})
	return s.closeErr
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
