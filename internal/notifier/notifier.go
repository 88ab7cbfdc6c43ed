// Package notifier subscribes to a server's push channel and turns its
// change events into invalidations.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nkkko/remotesync/internal/domain"
	"github.com/nkkko/remotesync/internal/metrics"
	"github.com/nkkko/remotesync/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TokenFunc returns the auth token for a server, waiting for authorization
// when needed
type TokenFunc func(ctx context.Context, address string) (string, error)

// Config contains notifier configuration
type Config struct {
	// Path of the push endpoint on the server
	PushPath string

	// Coalescing buffer size
	BufferSize int

	// Flush interval for the coalescing buffer
	FlushInterval time.Duration

	// Delay between reconnection attempts
	ReconnectInterval time.Duration

	// Interval between keepalive pings
	PingInterval time.Duration

	// Websocket handshake timeout
	HandshakeTimeout time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		PushPath:          "/srv/push",
		BufferSize:        200,
		FlushInterval:     50 * time.Millisecond,
		ReconnectInterval: 5 * time.Second,
		PingInterval:      30 * time.Second,
		HandshakeTimeout:  10 * time.Second,
	}
}

// Notifier keeps one push connection to a server open and feeds the
// notifications it receives to an Invalidator
type Notifier struct {
	config  Config
	address string
	tokens  TokenFunc
	buffer  *Buffer
	dialer  *websocket.Dialer

	mu        sync.Mutex
	connected bool

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewNotifier creates a notifier for the server at address. tokens may be
// nil when the push channel needs no authorization.
func NewNotifier(config Config, address string, target domain.Invalidator, tokens TokenFunc) *Notifier {
	defaults := DefaultConfig()
	if config.PushPath == "" {
		config.PushPath = defaults.PushPath
	}
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = defaults.FlushInterval
	}
	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = defaults.ReconnectInterval
	}
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = defaults.HandshakeTimeout
	}

	return &Notifier{
		config:  config,
		address: address,
		tokens:  tokens,
		buffer:  NewBuffer(config.BufferSize, config.FlushInterval, target),
		dialer:  &websocket.Dialer{HandshakeTimeout: config.HandshakeTimeout},
		logger:  log.With().Str("component", "notifier").Str("address", address).Logger(),
		metrics: metrics.GetMetrics(),
	}
}

// PushURL builds the websocket URL of a server's push endpoint
func PushURL(address, path, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(address, "/") + path)
	if err != nil {
		return "", fmt.Errorf("failed to parse push address: %w", err)
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if token != "" {
		q := u.Query()
		q.Set("auth_token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// ToNotification maps a push event of a server to a notification
func ToNotification(address string, evt proto.PushEvent) proto.Notification {
	return proto.Notification{
		Location: proto.Location{Address: address, Schema: evt.Schema, Table: evt.Table},
		ID:       evt.ID,
		GN:       evt.GN,
	}
}

// Connected reports whether the push connection is currently open
func (n *Notifier) Connected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected
}

func (n *Notifier) setConnected(connected bool) {
	n.mu.Lock()
	n.connected = connected
	n.mu.Unlock()
	if connected {
		n.metrics.NotifierConnections.Inc()
	} else {
		n.metrics.NotifierConnections.Dec()
	}
}

// Run keeps the push connection open until ctx is done. Every reconnection
// invalidates everything, since events may have been missed meanwhile.
func (n *Notifier) Run(ctx context.Context) error {
	n.logger.Info().Msg("Starting push notifier")
	defer n.buffer.Close()

	established := false
	for {
		conn, err := n.dial(ctx)
		if err == nil {
			if established {
				n.logger.Info().Msg("Push channel reconnected, invalidating everything")
				n.buffer.Reset()
			}
			established = true

			n.setConnected(true)
			err = n.read(ctx, conn)
			n.setConnected(false)
		}

		if ctx.Err() != nil {
			n.logger.Info().Msg("Context canceled, stopping push notifier")
			return nil
		}
		n.logger.Warn().Err(err).
			Dur("retry_in", n.config.ReconnectInterval).
			Msg("Push channel unavailable")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(n.config.ReconnectInterval):
		}
	}
}

func (n *Notifier) dial(ctx context.Context) (*websocket.Conn, error) {
	var token string
	if n.tokens != nil {
		var err error
		token, err = n.tokens(ctx, n.address)
		if err != nil {
			return nil, fmt.Errorf("failed to obtain push token: %w", err)
		}
	}

	target, err := PushURL(n.address, n.config.PushPath, token)
	if err != nil {
		return nil, err
	}
	conn, _, err := n.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect push channel: %w", err)
	}
	return conn, nil
}

// read consumes push events until the connection fails or ctx is done
func (n *Notifier) read(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)

	// Closing the connection unblocks ReadMessage
	go func() {
		ticker := time.NewTicker(n.config.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				conn.Close()
				return
			case <-stop:
				conn.Close()
				return
			case <-ticker.C:
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(n.config.HandshakeTimeout))
				if err != nil {
					n.logger.Debug().Err(err).Msg("Push ping failed")
				}
			}
		}
	}()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("push channel closed: %w", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var evt proto.PushEvent
		if err := json.Unmarshal(message, &evt); err != nil {
			n.logger.Debug().Err(err).Msg("Ignoring undecodable push event")
			continue
		}
		if evt.Table == "" || evt.ID == 0 {
			continue
		}

		n.metrics.NotificationsTotal.WithLabelValues("received").Inc()
		n.buffer.Publish(ToNotification(n.address, evt))
	}
}
