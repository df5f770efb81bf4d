package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/atomic"

	"github.com/glimte/amqpull/internal/reliability"
)

// ConnectionManager manages the RabbitMQ connection with automatic reconnection.
// Channels opened before a reconnect are not restored; their consumers end.
type ConnectionManager struct {
	url         string
	conn        *amqp.Connection
	mu          sync.RWMutex
	dialTimeout time.Duration
	backoff     reliability.Backoff
	logger      *slog.Logger
	notifyClose chan *amqp.Error
	isConnected bool
	done        chan struct{}
	closeOnce   sync.Once
	channelIDs  *atomic.Int64
	dial        func(url string) (*amqp.Connection, error)
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectBackoff sets the policy used between reconnection attempts
func WithReconnectBackoff(policy reliability.Backoff) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.backoff = policy
	}
}

// WithReconnectDelay sets the initial reconnection delay, keeping the exponential policy
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		if b, ok := cm.backoff.(*reliability.ExponentialBackoff); ok {
			b.Initial = delay
		}
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts, negative is unlimited
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		if b, ok := cm.backoff.(*reliability.ExponentialBackoff); ok {
			b.MaxAttempts = retries
		}
	}
}

// WithDialTimeout bounds a single dial attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:         url,
		dialTimeout: 30 * time.Second,
		backoff:     reliability.NewExponentialBackoff(5*time.Second, 5*time.Minute, 2.0, -1),
		logger:      slog.Default(),
		done:        make(chan struct{}),
		channelIDs:  atomic.NewInt64(0),
		dial:        amqp.Dial,
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}

	conn, err := cm.dialWithTimeout(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	cm.attach(conn)
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))

	go cm.handleReconnect(cm.notifyClose)

	return nil
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}

	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Channel opens a new AMQP channel with its own dispatcher
func (cm *ConnectionManager) Channel(ctx context.Context, options ...ChannelOption) (*Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := cm.GetConnection()
	if err != nil {
		return nil, err
	}

	id := int(cm.channelIDs.Inc())
	raw, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open", ChannelID: id, Err: err, Timestamp: time.Now()}
	}

	options = append([]ChannelOption{WithChannelLogger(cm.logger)}, options...)
	ch, err := NewChannel(id, raw, options...)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	return ch, nil
}

// Close closes the connection
func (cm *ConnectionManager) Close() error {
	var err error
	cm.closeOnce.Do(func() {
		close(cm.done)

		cm.mu.Lock()
		defer cm.mu.Unlock()

		cm.isConnected = false
		if cm.conn != nil {
			if !cm.conn.IsClosed() {
				err = cm.conn.Close()
			}
			cm.conn = nil
		}
	})
	return err
}

func (cm *ConnectionManager) attach(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true
	cm.notifyClose = conn.NotifyClose(make(chan *amqp.Error, 1))
}

func (cm *ConnectionManager) dialWithTimeout(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	results := make(chan result, 1)

	go func() {
		conn, err := cm.dial(cm.url)
		results <- result{conn: conn, err: err}
	}()

	select {
	case r := <-results:
		return r.conn, r.err
	case <-dialCtx.Done():
		go func() {
			if r := <-results; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ErrConnectionTimeout
	}
}

// handleReconnect monitors the connection and reconnects if necessary
func (cm *ConnectionManager) handleReconnect(notify chan *amqp.Error) {
	for {
		select {
		case err, ok := <-notify:
			if ok && err != nil {
				cm.logger.Error("connection closed", "error", err)
			}

			cm.mu.Lock()
			cm.isConnected = false
			cm.conn = nil
			cm.mu.Unlock()

			select {
			case <-cm.done:
				return
			default:
			}

			next, ok := cm.reconnect()
			if !ok {
				return
			}
			notify = next

		case <-cm.done:
			cm.logger.Info("connection manager shutting down")
			return
		}
	}
}

func (cm *ConnectionManager) reconnect() (chan *amqp.Error, bool) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-cm.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	attempts := 0
	var conn *amqp.Connection

	err := reliability.Retry(ctx, "reconnect", cm.backoff, func(ctx context.Context) error {
		attempts++
		cm.logger.Info("attempting to reconnect", "attempt", attempts)

		c, err := cm.dialWithTimeout(ctx)
		if err != nil {
			cm.logger.Error("reconnection failed", "error", err, "attempt", attempts)
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		if ctx.Err() == nil {
			cm.logger.Error("max reconnection attempts reached",
				"error", &ConnectionError{
					Op:        "reconnect",
					URL:       SanitizeURL(cm.url),
					Err:       ErrMaxRetriesExceeded,
					Timestamp: time.Now(),
					Attempts:  attempts,
				},
				"duration", time.Since(start))
		}
		return nil, false
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	select {
	case <-cm.done:
		_ = conn.Close()
		return nil, false
	default:
	}

	cm.attach(conn)
	cm.logger.Info("successfully reconnected to RabbitMQ",
		"attempts", attempts,
		"duration", time.Since(start))

	return cm.notifyClose, true
}
