package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"msgpipe/models"
	"msgpipe/protocol"
)

// WebSocketOptions controls a WebSocketSource.
type WebSocketOptions struct {
	Header http.Header
	// HandshakeTimeout bounds the opening handshake.
	HandshakeTimeout time.Duration
	Buffer           int
	Logger           zerolog.Logger
}

// WebSocketSource reads deliver frames from one websocket connection. Each
// websocket message carries one JSON frame.
type WebSocketSource struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	log     zerolog.Logger

	incoming chan models.Incoming

	pendingMu sync.Mutex
	pending   map[models.AckToken]struct{}

	closed    chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	closeErr  error
	wg        sync.WaitGroup
}

// DialWebSocket connects to url and starts reading.
func DialWebSocket(ctx context.Context, url string, opts WebSocketOptions) (*WebSocketSource, error) {
	dialer := *websocket.DefaultDialer
	if opts.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = opts.HandshakeTimeout
	}
	conn, _, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(protocol.MaxFrameSize)

	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	s := &WebSocketSource{
		conn:     conn,
		log:      opts.Logger.With().Str("component", "websocket_source").Logger(),
		incoming: make(chan models.Incoming, buffer),
		pending:  make(map[models.AckToken]struct{}),
		closed:   make(chan struct{}),
	}

	s.wg.Add(1)
	go s.readLoop()
	return s, nil
}

// Next returns the next delivered envelope. After the connection drops it
// returns the read error, or ErrClosed after Close.
func (s *WebSocketSource) Next(ctx context.Context) (models.Incoming, error) {
	select {
	case item := <-s.incoming:
		return item, nil
	case <-s.closed:
		s.errMu.Lock()
		defer s.errMu.Unlock()
		if s.closeErr != nil {
			return models.Incoming{}, s.closeErr
		}
		return models.Incoming{}, ErrClosed
	case <-ctx.Done():
		return models.Incoming{}, ctx.Err()
	}
}

// Ack acknowledges a delivered envelope. The token is the request id the
// server assigned.
func (s *WebSocketSource) Ack(token models.AckToken) error {
	s.pendingMu.Lock()
	_, ok := s.pending[token]
	delete(s.pending, token)
	s.pendingMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownAck, token)
	}
	return s.send(protocol.NewAck(uint64(token), protocol.AckOK))
}

// Close closes the connection and waits for the reader to stop.
func (s *WebSocketSource) Close() error {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	s.writeMu.Unlock()

	s.shutdown(nil)
	err := s.conn.Close()
	s.wg.Wait()
	return err
}

func (s *WebSocketSource) send(message any) error {
	payload, err := protocol.EncodeJSON(message)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write websocket message: %w", err)
	}
	return nil
}

func (s *WebSocketSource) shutdown(err error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.closeErr = err
		s.errMu.Unlock()
		close(s.closed)
	})
}

func (s *WebSocketSource) readLoop() {
	defer s.wg.Done()

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, websocket.ErrCloseSent) {
				s.shutdown(nil)
				return
			}
			s.shutdown(fmt.Errorf("read websocket message: %w", err))
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		kind, err := protocol.DecodeMessageType(data)
		if err != nil {
			s.log.Warn().Err(err).Int("size", len(data)).Msg("undecodable websocket message")
			continue
		}
		switch kind {
		case protocol.TypePing:
			_ = s.send(protocol.Ping{Type: protocol.TypePong, Timestamp: time.Now().UnixMilli()})
			continue
		case protocol.TypeDeliver:
		default:
			s.log.Debug().Str("type", kind).Msg("ignoring websocket message")
			continue
		}

		deliver, err := protocol.DecodeDeliver(data)
		if err != nil {
			s.log.Warn().Err(err).Msg("decode deliver message")
			continue
		}

		token := models.AckToken(deliver.RequestID)
		s.pendingMu.Lock()
		s.pending[token] = struct{}{}
		s.pendingMu.Unlock()

		select {
		case s.incoming <- models.Incoming{Envelope: deliver.Envelope, Ack: token}:
		case <-s.closed:
			return
		}
	}
}
