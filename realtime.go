package homesync

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// RealtimeConfig configures the websocket change listener.
type RealtimeConfig struct {
	// URL is the websocket endpoint. Empty disables the listener.
	URL string `yaml:"url"`

	// AuthToken is sent as a bearer token during the handshake.
	AuthToken string `yaml:"auth_token"`

	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// ReconnectInitial and ReconnectMax bound the exponential backoff
	// between reconnect attempts.
	ReconnectInitial time.Duration `yaml:"reconnect_initial"`
	ReconnectMax     time.Duration `yaml:"reconnect_max"`
}

// DefaultRealtimeConfig returns default realtime listener configuration.
func DefaultRealtimeConfig() RealtimeConfig {
	return RealtimeConfig{
		HandshakeTimeout: 10 * time.Second,
		ReconnectInitial: time.Second,
		ReconnectMax:     time.Minute,
	}
}

// realtimeFrame is one server notification. Only "changed" frames carry
// meaning today; unknown types are ignored so the server can add frame types
// without breaking older clients.
type realtimeFrame struct {
	Type       string     `json:"type"`
	EntityType EntityType `json:"entityType"`
	UserID     string     `json:"userId,omitempty"`
}

// RealtimeListener keeps a websocket open to the sync server and invokes
// onChange for every change notification. The connection is re-dialed with
// exponential backoff after any failure; a notification missed while
// disconnected is recovered by the periodic sweep.
type RealtimeListener struct {
	config   RealtimeConfig
	onChange func(t EntityType, userID string)
	logger   *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool

	frames atomic.Int64
}

// NewRealtimeListener creates a listener. onChange is invoked from the read
// loop goroutine and must not block.
func NewRealtimeListener(config RealtimeConfig, onChange func(t EntityType, userID string), logger *slog.Logger) *RealtimeListener {
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	if config.ReconnectInitial <= 0 {
		config.ReconnectInitial = time.Second
	}
	if config.ReconnectMax <= 0 {
		config.ReconnectMax = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RealtimeListener{
		config:   config,
		onChange: onChange,
		logger:   logger,
	}
}

// Start begins the connect-and-read loop.
func (l *RealtimeListener) Start() {
	if l.config.URL == "" || !l.running.CompareAndSwap(false, true) {
		return
	}
	l.stopCh = make(chan struct{})
	l.wg.Add(1)
	go l.run()
}

// Stop closes the connection and waits for the loop to exit.
func (l *RealtimeListener) Stop() {
	if !l.running.CompareAndSwap(true, false) {
		return
	}
	close(l.stopCh)
	l.mu.Lock()
	if l.conn != nil {
		l.conn.Close()
	}
	l.mu.Unlock()
	l.wg.Wait()
}

// Frames returns the number of change frames handled so far.
func (l *RealtimeListener) Frames() int64 {
	return l.frames.Load()
}

func (l *RealtimeListener) run() {
	defer l.wg.Done()

	attempt := 0
	for {
		select {
		case <-l.stopCh:
			return
		default:
		}

		conn, err := l.dial()
		if err != nil {
			attempt++
			wait := computeBackoff(attempt, l.config.ReconnectInitial, l.config.ReconnectMax, 2.0)
			l.logger.Warn("realtime connect failed",
				"url", l.config.URL, "attempt", attempt, "retry_in", wait, "err", err)
			select {
			case <-l.stopCh:
				return
			case <-time.After(wait):
			}
			continue
		}

		attempt = 0
		l.mu.Lock()
		l.conn = conn
		l.mu.Unlock()
		l.logger.Info("realtime connected", "url", l.config.URL)

		l.readLoop(conn)

		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
		conn.Close()
	}
}

func (l *RealtimeListener) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: l.config.HandshakeTimeout}
	header := http.Header{}
	if l.config.AuthToken != "" {
		header.Set("Authorization", "Bearer "+l.config.AuthToken)
	}
	conn, resp, err := dialer.Dial(l.config.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

func (l *RealtimeListener) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-l.stopCh:
			default:
				l.logger.Warn("realtime read failed", "err", err)
			}
			return
		}

		var frame realtimeFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			l.logger.Warn("realtime frame malformed", "err", err)
			continue
		}
		if frame.Type != "changed" || !frame.EntityType.Valid() {
			continue
		}
		l.frames.Add(1)
		l.onChange(frame.EntityType, frame.UserID)
	}
}
