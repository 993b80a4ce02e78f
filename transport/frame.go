package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"msgpipe/models"
	"msgpipe/protocol"
)

// FrameOptions controls a FrameSource.
type FrameOptions struct {
	// FrameReadTimeout bounds one blocking frame read. Timeouts are not
	// errors; the read is simply retried.
	FrameReadTimeout time.Duration
	// Buffer is the number of envelopes held before readers block.
	Buffer int
	Logger zerolog.Logger
}

// FrameSource accepts TCP connections from a delivery relay and reads
// length-prefixed JSON deliver frames from each of them.
type FrameSource struct {
	listener    net.Listener
	readTimeout time.Duration
	log         zerolog.Logger

	incoming  chan models.Incoming
	nextToken atomic.Uint64

	pendingMu sync.Mutex
	pending   map[models.AckToken]pendingAck

	connsMu sync.Mutex
	conns   map[*frameConn]struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type pendingAck struct {
	conn      *frameConn
	requestID uint64
}

type frameConn struct {
	conn   net.Conn
	sendMu sync.Mutex
}

func (c *frameConn) send(message any) error {
	payload, err := protocol.EncodeJSON(message)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return protocol.WriteFrame(c.conn, payload)
}

// Listen starts a FrameSource on address.
func Listen(address string, opts FrameOptions) (*FrameSource, error) {
	if address == "" {
		address = ":0"
	}
	readTimeout := opts.FrameReadTimeout
	if readTimeout <= 0 {
		readTimeout = protocol.DefaultFrameReadTimeout
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	s := &FrameSource{
		listener:    listener,
		readTimeout: readTimeout,
		log:         opts.Logger.With().Str("component", "frame_source").Logger(),
		incoming:    make(chan models.Incoming, buffer),
		pending:     make(map[models.AckToken]pendingAck),
		conns:       make(map[*frameConn]struct{}),
		closed:      make(chan struct{}),
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns the listening address.
func (s *FrameSource) Addr() net.Addr {
	return s.listener.Addr()
}

// Next returns the next delivered envelope.
func (s *FrameSource) Next(ctx context.Context) (models.Incoming, error) {
	select {
	case item := <-s.incoming:
		return item, nil
	case <-s.closed:
		return models.Incoming{}, ErrClosed
	case <-ctx.Done():
		return models.Incoming{}, ctx.Err()
	}
}

// Ack sends an ack frame for token on the connection that delivered it.
func (s *FrameSource) Ack(token models.AckToken) error {
	s.pendingMu.Lock()
	p, ok := s.pending[token]
	delete(s.pending, token)
	s.pendingMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownAck, token)
	}

	if err := p.conn.send(protocol.NewAck(p.requestID, protocol.AckOK)); err != nil {
		return fmt.Errorf("write ack %d: %w", p.requestID, err)
	}
	return nil
}

// Close stops accepting, closes every connection and waits for readers.
func (s *FrameSource) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()

		s.connsMu.Lock()
		for c := range s.conns {
			_ = c.conn.Close()
		}
		s.connsMu.Unlock()

		s.wg.Wait()
	})
	return closeErr
}

func (s *FrameSource) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn().Err(err).Msg("accept connection")
			continue
		}

		c := &frameConn{conn: conn}
		s.connsMu.Lock()
		s.conns[c] = struct{}{}
		s.connsMu.Unlock()

		s.log.Info().Str("remote", conn.RemoteAddr().String()).Msg("relay connected")
		s.wg.Add(1)
		go s.readLoop(c)
	}
}

func (s *FrameSource) readLoop(c *frameConn) {
	defer s.wg.Done()
	defer s.dropConn(c)

	for {
		select {
		case <-s.closed:
			return
		default:
		}

		payload, err := protocol.ReadFrameWithTimeout(c.conn, s.readTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				s.log.Info().Str("remote", c.conn.RemoteAddr().String()).Msg("relay disconnected")
				return
			}
			s.log.Warn().Err(err).Msg("read frame")
			return
		}
		if len(payload) == 0 {
			continue
		}

		if !s.handleFrame(c, payload) {
			return
		}
	}
}

// handleFrame dispatches one frame. It returns false once the source closes.
func (s *FrameSource) handleFrame(c *frameConn, payload []byte) bool {
	msgType, err := protocol.DecodeMessageType(payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("undecodable frame")
		return true
	}

	switch msgType {
	case protocol.TypePing:
		_ = c.send(protocol.Ping{Type: protocol.TypePong, Timestamp: time.Now().UnixMilli()})
		return true
	case protocol.TypeDeliver:
	default:
		_ = c.send(protocol.ErrorMessage{
			Type:      protocol.TypeError,
			Code:      "unknown_type",
			Message:   fmt.Sprintf("Expected %q, got %q", protocol.TypeDeliver, msgType),
			Timestamp: time.Now().UnixMilli(),
		})
		return true
	}

	deliver, err := protocol.DecodeDeliver(payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("decode deliver frame")
		_ = c.send(protocol.NewAck(0, protocol.AckRejected))
		return true
	}

	token := models.AckToken(s.nextToken.Add(1))
	s.pendingMu.Lock()
	s.pending[token] = pendingAck{conn: c, requestID: deliver.RequestID}
	s.pendingMu.Unlock()

	select {
	case s.incoming <- models.Incoming{Envelope: deliver.Envelope, Ack: token}:
		return true
	case <-s.closed:
		return false
	}
}

func (s *FrameSource) dropConn(c *frameConn) {
	_ = c.conn.Close()

	s.connsMu.Lock()
	delete(s.conns, c)
	s.connsMu.Unlock()

	s.pendingMu.Lock()
	for token, p := range s.pending {
		if p.conn == c {
			delete(s.pending, token)
		}
	}
	s.pendingMu.Unlock()
}
