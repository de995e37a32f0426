package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotConnected is returned by publish calls while the broker connection is
// down. The channel is best-effort: callers log and move on, they never block
// job flow on it.
var ErrNotConnected = errors.New("progress channel not connected")

const (
	progressTopicPrefix = "progress."
	statusTopicPrefix   = "status."
)

// Config holds progress channel broker configuration
type Config struct {
	Host              string
	Port              int
	User              string
	Password          string
	VHost             string
	Exchange          string
	ReconnectInterval time.Duration
}

// Record is the merged, in-memory view of the latest events for one user.
// It lives only in process memory and is lost on restart; the durable Job
// Record in PostgreSQL is the fallback source of truth.
type Record struct {
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// wireEvent is the on-the-wire event shape. Pointer fields distinguish
// "absent" from zero so merges retain prior values.
type wireEvent struct {
	UserID    string  `json:"user_id"`
	Status    *string `json:"status,omitempty"`
	Progress  *int    `json:"progress,omitempty"`
	Message   *string `json:"message,omitempty"`
	Error     *string `json:"error,omitempty"`
	Timestamp string  `json:"timestamp,omitempty"`
}

// Manager is the process-wide progress channel: it publishes worker status
// events to a topic exchange and mirrors received events into a per-user
// in-memory cache. One Manager per process, constructed in main and passed
// by reference to whoever needs it.
type Manager struct {
	config *Config
	logger *slog.Logger

	mu      sync.Mutex
	records map[string]*Record

	connMu    sync.Mutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}

	// now is the receipt clock. Records are stamped with receipt time, not
	// the publisher's claimed timestamp, so publisher clock skew cannot
	// corrupt freshness ordering. Overridable in tests.
	now func() time.Time
}

// NewManager creates a progress channel manager. Call Start to begin the
// connection supervisor loop.
func NewManager(config *Config, logger *slog.Logger) *Manager {
	return &Manager{
		config:  config,
		logger:  logger,
		records: make(map[string]*Record),
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// Start launches the connection supervisor goroutine. It runs for the
// lifetime of the process and reconnects with a fixed backoff whenever the
// broker connection drops. Safe to call more than once; only the first call
// starts the loop.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		go m.supervise(ctx)
	})
}

// Close stops the supervisor and tears down the broker connection
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})

	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.connected = false
	if m.channel != nil {
		_ = m.channel.Close()
	}
	if m.conn != nil {
		_ = m.conn.Close()
	}
}

// supervise redials the broker with a fixed backoff until the process exits
func (m *Manager) supervise(ctx context.Context) {
	interval := m.config.ReconnectInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if !m.IsConnected() {
			if err := m.connect(); err != nil {
				m.logger.Warn("Progress channel connection failed",
					slog.Any("error", err),
					slog.Duration("retry_in", interval),
				)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
		}
	}
}

// connect dials the broker, declares the topic exchange, binds an exclusive
// queue to both topic families, and starts the consume loop.
//
// The dial and all channel setup happen without connMu held: a dial against
// an unreachable broker can block for its full handshake timeout, and
// publish calls must keep returning ErrNotConnected instantly during that
// window. The lock is taken only to swap the finished connection in.
func (m *Manager) connect() error {
	dsn := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		m.config.User,
		m.config.Password,
		m.config.Host,
		m.config.Port,
		m.config.VHost,
	)

	conn, err := amqp.Dial(dsn)
	if err != nil {
		return fmt.Errorf("failed to dial progress broker: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open progress channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		m.config.Exchange,
		"topic",
		false, // durable - events are ephemeral
		true,  // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to declare progress exchange: %w", err)
	}

	// Exclusive server-named queue: every process gets its own copy of
	// every event.
	queue, err := channel.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to declare progress queue: %w", err)
	}

	for _, pattern := range []string{progressTopicPrefix + "*", statusTopicPrefix + "*"} {
		if err := channel.QueueBind(queue.Name, pattern, m.config.Exchange, false, nil); err != nil {
			channel.Close()
			conn.Close()
			return fmt.Errorf("failed to bind progress queue: %w", err)
		}
	}

	deliveries, err := channel.Consume(
		queue.Name,
		"",    // server-generated consumer tag
		true,  // auto-ack: best-effort channel, no redelivery wanted
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to consume progress events: %w", err)
	}

	m.connMu.Lock()
	select {
	case <-m.done:
		// Manager was closed while we were dialing; do not resurrect
		m.connMu.Unlock()
		channel.Close()
		conn.Close()
		return nil
	default:
	}
	m.conn = conn
	m.channel = channel
	m.connected = true
	m.connMu.Unlock()

	closeChan := make(chan *amqp.Error, 1)
	conn.NotifyClose(closeChan)
	go m.watchClose(closeChan)
	go m.consumeLoop(deliveries)

	m.logger.Info("Progress channel connected",
		slog.String("exchange", m.config.Exchange),
		slog.String("queue", queue.Name),
	)

	return nil
}

// watchClose flips the connection flag when the broker drops us; the
// supervisor loop picks it up on its next tick
func (m *Manager) watchClose(closeChan <-chan *amqp.Error) {
	amqpErr, ok := <-closeChan
	m.connMu.Lock()
	m.connected = false
	m.connMu.Unlock()
	if ok && amqpErr != nil {
		m.logger.Warn("Progress channel disconnected",
			slog.String("reason", amqpErr.Reason),
		)
	}
}

// consumeLoop mirrors received events into the in-memory cache
func (m *Manager) consumeLoop(deliveries <-chan amqp.Delivery) {
	for delivery := range deliveries {
		userID := ownerFromTopic(delivery.RoutingKey)
		if userID == "" {
			continue
		}
		if err := m.apply(userID, delivery.Body); err != nil {
			m.logger.Warn("Failed to process progress event",
				slog.String("routing_key", delivery.RoutingKey),
				slog.Any("error", err),
			)
		}
	}
}

// apply merges one event payload into the user's record. Fields absent from
// the payload retain their prior values; the record is stamped with receipt
// time.
func (m *Manager) apply(userID string, payload []byte) error {
	var event wireEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("failed to decode progress event: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[userID]
	if !ok {
		record = &Record{Status: "unknown"}
		m.records[userID] = record
	}

	if event.Status != nil {
		record.Status = *event.Status
	}
	if event.Progress != nil {
		record.Progress = *event.Progress
	}
	if event.Message != nil {
		record.Message = *event.Message
	}
	if event.Error != nil {
		record.Error = *event.Error
	}
	record.UpdatedAt = m.now()

	return nil
}

// GetProgress returns a copy of the user's merged record, if any
func (m *Manager) GetProgress(userID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[userID]
	if !ok {
		return Record{}, false
	}
	return *record, true
}

// GetAllProgress returns a snapshot of every live record
func (m *Manager) GetAllProgress() map[string]Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make(map[string]Record, len(m.records))
	for userID, record := range m.records {
		snapshot[userID] = *record
	}
	return snapshot
}

// IsConnected reports whether the broker connection is currently up
func (m *Manager) IsConnected() bool {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	return m.connected
}

// PublishProgress publishes a progress event for a user. Returns
// ErrNotConnected while the channel is down; delivery is never guaranteed.
func (m *Manager) PublishProgress(userID string, percent int, status, message, errMsg string) error {
	event := wireEvent{
		UserID:    userID,
		Status:    &status,
		Progress:  &percent,
		Message:   &message,
		Timestamp: m.now().UTC().Format(time.RFC3339),
	}
	if errMsg != "" {
		event.Error = &errMsg
	}
	return m.publish(progressTopicPrefix+userID, event)
}

// PublishStatus publishes a status event for a user. Returns ErrNotConnected
// while the channel is down.
func (m *Manager) PublishStatus(userID, status, message, errMsg string) error {
	event := wireEvent{
		UserID:    userID,
		Status:    &status,
		Message:   &message,
		Timestamp: m.now().UTC().Format(time.RFC3339),
	}
	if errMsg != "" {
		event.Error = &errMsg
	}
	return m.publish(statusTopicPrefix+userID, event)
}

func (m *Manager) publish(topic string, event wireEvent) error {
	m.connMu.Lock()
	channel := m.channel
	connected := m.connected
	m.connMu.Unlock()

	if !connected || channel == nil {
		return ErrNotConnected
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode progress event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = channel.PublishWithContext(
		ctx,
		m.config.Exchange,
		topic,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
			Timestamp:   time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish progress event: %w", err)
	}

	return nil
}

// ownerFromTopic extracts the user id from a "progress.<user>" or
// "status.<user>" routing key
func ownerFromTopic(routingKey string) string {
	parts := strings.SplitN(routingKey, ".", 2)
	if len(parts) != 2 {
		return ""
	}
	return parts[1]
}
