package fleetsync

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamConfig configures the live GPS feed.
type StreamConfig struct {
	// Enabled turns the live feed on. The durable queue works without it.
	Enabled bool `yaml:"enabled"`

	// URL is the websocket endpoint (ws:// or wss://).
	URL string `yaml:"url"`

	// AuthToken is sent as a bearer token during the handshake.
	AuthToken string `yaml:"auth_token"`

	// HandshakeTimeout bounds the dial. Default: 10s.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// WriteTimeout bounds each frame write. Default: 5s.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ReconnectDelay is the pause between redial attempts. Default: 5s.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// SendBuffer is the in-memory frame buffer. When full the oldest frame
	// is dropped. Default: 64.
	SendBuffer int `yaml:"send_buffer"`
}

// DefaultStreamConfig returns default configuration.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReconnectDelay:   5 * time.Second,
		SendBuffer:       64,
	}
}

// GPSStreamer pushes location samples to a websocket endpoint for live map
// views. It is strictly best effort: frames are dropped when the link is down
// or the buffer fills, and nothing here ever touches the durable queue, which
// remains the source of truth for the track.
type GPSStreamer struct {
	config StreamConfig
	logger *slog.Logger

	out chan *GPSPoint

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	mu      sync.Mutex
	dropped int64
}

// NewGPSStreamer creates a streamer. It does not dial until Start.
func NewGPSStreamer(config StreamConfig, logger *slog.Logger) *GPSStreamer {
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = 5 * time.Second
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GPSStreamer{
		config: config,
		logger: logger,
		out:    make(chan *GPSPoint, config.SendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Publish offers a point to the live feed. It never blocks; when the buffer
// is full the oldest queued frame is dropped to make room.
func (s *GPSStreamer) Publish(p *GPSPoint) {
	if !s.config.Enabled {
		return
	}
	select {
	case s.out <- p:
	default:
		select {
		case <-s.out:
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
		default:
		}
		select {
		case s.out <- p:
		default:
		}
	}
}

// Dropped returns how many frames were discarded due to backpressure.
func (s *GPSStreamer) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Start launches the write loop. A disabled or URL-less streamer is a no-op.
func (s *GPSStreamer) Start() {
	if !s.config.Enabled || s.config.URL == "" {
		return
	}
	s.once.Do(func() {
		s.wg.Add(1)
		go s.run()
	})
}

// Stop closes the feed and waits for the write loop to exit.
func (s *GPSStreamer) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *GPSStreamer) run() {
	defer s.wg.Done()
	for {
		conn, err := s.dial()
		if err != nil {
			s.logger.Debug("gps stream dial failed", "url", s.config.URL, "error", err)
			if !s.sleep(s.config.ReconnectDelay) {
				return
			}
			continue
		}
		s.logger.Info("gps stream connected", "url", s.config.URL)
		err = s.writeLoop(conn)
		conn.Close()
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Debug("gps stream disconnected", "error", err)
		if !s.sleep(s.config.ReconnectDelay) {
			return
		}
	}
}

func (s *GPSStreamer) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: s.config.HandshakeTimeout}
	header := http.Header{}
	if s.config.AuthToken != "" {
		header.Set("Authorization", "Bearer "+s.config.AuthToken)
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.config.HandshakeTimeout)
	defer cancel()
	conn, _, err := dialer.DialContext(ctx, s.config.URL, header)
	return conn, err
}

func (s *GPSStreamer) writeLoop(conn *websocket.Conn) error {
	for {
		select {
		case <-s.ctx.Done():
			deadline := time.Now().Add(s.config.WriteTimeout)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return nil
		case p := <-s.out:
			conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := conn.WriteJSON(p); err != nil {
				return err
			}
		}
	}
}

func (s *GPSStreamer) sleep(d time.Duration) bool {
	select {
	case <-s.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
