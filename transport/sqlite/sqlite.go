// Package sqlite provides a broker-style durable queue on a local SQLite file.
//
// A destination fans out to every subscription registered for it: each
// published message is stored once per subscription. A delivered row is
// locked until it is settled. Ack deletes it, nack releases it with a
// growing delay and after MaxRetries moves it to the dead letter table.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	errspkg "github.com/drblury/socialbus/internal/runtime/errors"
	"github.com/drblury/socialbus/internal/runtime/jsoncodec"
	"github.com/drblury/socialbus/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "sqlite"

const (
	// DefaultFilePath is used when no file is configured.
	DefaultFilePath = "socialbus_queue.db"
	// DefaultPollInterval is how often an idle receiver looks for new rows.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultMaxRetries is the number of redeliveries before dead-lettering.
	DefaultMaxRetries = 3
	// DefaultLockTimeout is how long a delivered row stays invisible to
	// other receivers while unsettled.
	DefaultLockTimeout = 30 * time.Second
	// DefaultRetryBackoff is multiplied by the retry count to delay a
	// nacked row.
	DefaultRetryBackoff = time.Second
)

func init() {
	Register()
}

// Register registers the SQLite transport with the default registry.
func Register() {
	transport.Register(transport.Descriptor{Name: TransportName, Build: Build, Capabilities: transport.SQLiteCapabilities})
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.SQLiteCapabilities
}

// Build opens the queue file named by the config. The shared subscriber
// consumes as the service; SubscriberFor adds named subscriptions.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(Config{FilePath: cfg.GetSQLiteFile()}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  t,
		Subscriber: t.ForSubscription(cfg.GetServiceName()),
		SubscriberFor: func(subscription string) (message.Subscriber, error) {
			return t.ForSubscription(subscription), nil
		},
	}, nil
}

// Config holds SQLite-specific configuration.
type Config struct {
	// FilePath is the database file. ":memory:" keeps the queue in memory.
	FilePath     string
	PollInterval time.Duration
	MaxRetries   int
	LockTimeout  time.Duration
	RetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.FilePath == "" {
		c.FilePath = DefaultFilePath
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	return c
}

// Transport is the publisher side of the queue and owns the database.
type Transport struct {
	db     *sql.DB
	config Config
	logger watermill.LoggerAdapter

	closeOnce  sync.Once
	closedChan chan struct{}
	wg         sync.WaitGroup
}

// New opens the database and creates the schema.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	db, err := sql.Open("sqlite3", cfg.FilePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// One connection serialises writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	t := &Transport{
		db:         db,
		config:     cfg,
		logger:     logger,
		closedChan: make(chan struct{}),
	}

	if err := t.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return t, nil
}

func (t *Transport) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS subscriptions (
		topic TEXT NOT NULL,
		name TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (topic, name)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT NOT NULL,
		topic TEXT NOT NULL,
		subscription TEXT NOT NULL,
		payload BLOB NOT NULL,
		metadata TEXT,
		available_at TIMESTAMP NOT NULL,
		locked_until TIMESTAMP,
		retry_count INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_messages_delivery ON messages(topic, subscription, available_at);

	CREATE TABLE IF NOT EXISTS dead_letter (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT NOT NULL,
		topic TEXT NOT NULL,
		subscription TEXT NOT NULL,
		payload BLOB NOT NULL,
		metadata TEXT,
		retry_count INTEGER DEFAULT 0,
		failed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_dead_letter_topic ON dead_letter(topic);
	`
	_, err := t.db.Exec(schema)
	return err
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.closedChan:
		return true
	default:
		return false
	}
}

// Publish stores each message once for every subscription of topic. A topic
// without subscriptions drops the message.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return errspkg.ErrTransportClosed
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}

	tx, err := t.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer t.rollback(tx)

	subscriptions, err := subscriptionsOf(tx, topic)
	if err != nil {
		return err
	}
	if len(subscriptions) == 0 {
		t.logger.Debug("No subscriptions for topic, dropping messages", watermill.LogFields{
			"topic": topic,
			"count": len(messages),
		})
		return nil
	}

	stmt, err := tx.Prepare(`
		INSERT INTO messages (uuid, topic, subscription, payload, metadata, available_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, msg := range messages {
		metadata, err := jsoncodec.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		for _, subscription := range subscriptions {
			if _, err := stmt.Exec(msg.UUID, topic, subscription, msg.Payload, string(metadata), now); err != nil {
				return fmt.Errorf("failed to insert message: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func subscriptionsOf(tx *sql.Tx, topic string) ([]string, error) {
	rows, err := tx.Query(`SELECT name FROM subscriptions WHERE topic = ? ORDER BY name`, topic)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (t *Transport) rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		t.logger.Error("failed to rollback transaction", err, nil)
	}
}

// Close stops every receiver and closes the database.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closedChan)
		t.wg.Wait()
		err = t.db.Close()
	})
	return err
}

// ForSubscription returns a receiver consuming as subscription. Receivers of
// the same subscription compete for rows.
func (t *Transport) ForSubscription(subscription string) *Subscriber {
	return &Subscriber{
		transport:    t,
		subscription: subscription,
		closedChan:   make(chan struct{}),
	}
}

// register creates the subscription so later publishes fan out to it.
func (t *Transport) register(ctx context.Context, topic, subscription string) error {
	_, err := t.db.ExecContext(ctx, `INSERT OR IGNORE INTO subscriptions (topic, name) VALUES (?, ?)`, topic, subscription)
	if err != nil {
		return fmt.Errorf("failed to register subscription %q on %q: %w", subscription, topic, err)
	}
	return nil
}

// DeadLetterCount returns the number of dead-lettered messages for topic.
func (t *Transport) DeadLetterCount(ctx context.Context, topic string) (int64, error) {
	var count int64
	err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter WHERE topic = ?`, topic).Scan(&count)
	return count, err
}

// PendingCount returns the number of unsettled messages for topic across
// all subscriptions.
func (t *Transport) PendingCount(ctx context.Context, topic string) (int64, error) {
	var count int64
	err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE topic = ?`, topic).Scan(&count)
	return count, err
}

// ReplayDeadLetters moves every dead-lettered message of topic back to the
// subscription it failed on, with its retry count reset.
func (t *Transport) ReplayDeadLetters(ctx context.Context, topic string) (int64, error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer t.rollback(tx)

	result, err := tx.ExecContext(ctx, `
		INSERT INTO messages (uuid, topic, subscription, payload, metadata, available_at)
		SELECT uuid, topic, subscription, payload, metadata, ?
		FROM dead_letter WHERE topic = ?
	`, time.Now().UTC(), topic)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM dead_letter WHERE topic = ?`, topic); err != nil {
		return 0, err
	}
	return affected, tx.Commit()
}

// PurgeDeadLetters removes the dead-lettered messages of topic.
func (t *Transport) PurgeDeadLetters(ctx context.Context, topic string) (int64, error) {
	result, err := t.db.ExecContext(ctx, `DELETE FROM dead_letter WHERE topic = ?`, topic)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Subscriber receives the rows of one subscription.
type Subscriber struct {
	transport    *Transport
	subscription string

	closeOnce  sync.Once
	closedChan chan struct{}
	wg         sync.WaitGroup
}

// SubscribeInitialize registers the subscription on topic without
// receiving. Repeating it is harmless.
func (s *Subscriber) SubscribeInitialize(topic string) error {
	if s.transport.isClosed() {
		return errspkg.ErrTransportClosed
	}
	return s.transport.register(context.Background(), topic, s.subscription)
}

// Subscribe registers the subscription and starts polling for its rows.
// One message is in flight per call until it is acked or nacked.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if s.transport.isClosed() {
		return nil, errspkg.ErrTransportClosed
	}
	if err := s.transport.register(ctx, topic, s.subscription); err != nil {
		return nil, err
	}

	output := make(chan *message.Message)
	s.wg.Add(1)
	s.transport.wg.Add(1)
	go func() {
		defer s.transport.wg.Done()
		defer s.wg.Done()
		defer close(output)
		s.poll(ctx, topic, output)
	}()
	return output, nil
}

// Close stops this subscriber's receivers. The database stays open.
func (s *Subscriber) Close() error {
	s.closeOnce.Do(func() {
		close(s.closedChan)
	})
	s.wg.Wait()
	return nil
}

func (s *Subscriber) poll(ctx context.Context, topic string, output chan<- *message.Message) {
	ticker := time.NewTicker(s.transport.config.PollInterval)
	defer ticker.Stop()

	for {
		// Drain what is available before sleeping.
		for s.deliverNext(ctx, topic, output) {
		}

		select {
		case <-ctx.Done():
			return
		case <-s.closedChan:
			return
		case <-s.transport.closedChan:
			return
		case <-ticker.C:
		}
	}
}

type lockedRow struct {
	id       int64
	uuid     string
	payload  []byte
	metadata string
}

// deliverNext hands one row to output and settles it. It reports whether a
// row was delivered and the receiver should look again right away.
func (s *Subscriber) deliverNext(ctx context.Context, topic string, output chan<- *message.Message) bool {
	row, ok := s.lockNext(ctx, topic)
	if !ok {
		return false
	}

	msg := message.NewMessage(row.uuid, row.payload)
	if row.metadata != "" {
		if err := jsoncodec.Unmarshal([]byte(row.metadata), &msg.Metadata); err != nil {
			s.transport.logger.Error("failed to unmarshal metadata", err, watermill.LogFields{"message_uuid": row.uuid})
		}
	}
	msgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	msg.SetContext(msgCtx)

	select {
	case output <- msg:
	case <-ctx.Done():
		s.transport.unlock(row.id)
		return false
	case <-s.closedChan:
		s.transport.unlock(row.id)
		return false
	case <-s.transport.closedChan:
		return false
	}

	select {
	case <-msg.Acked():
		s.transport.ack(row.id)
		return true
	case <-msg.Nacked():
		s.transport.nack(row.id)
		return true
	case <-ctx.Done():
		s.transport.unlock(row.id)
	case <-s.closedChan:
		s.transport.unlock(row.id)
	case <-s.transport.closedChan:
	}
	return false
}

func (s *Subscriber) lockNext(ctx context.Context, topic string) (lockedRow, bool) {
	t := s.transport
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		if ctx.Err() == nil && !t.isClosed() {
			t.logger.Error("failed to begin transaction", err, nil)
		}
		return lockedRow{}, false
	}
	defer t.rollback(tx)

	now := time.Now().UTC()
	var row lockedRow
	err = tx.QueryRowContext(ctx, `
		SELECT id, uuid, payload, metadata
		FROM messages
		WHERE topic = ? AND subscription = ?
		AND available_at <= ?
		AND (locked_until IS NULL OR locked_until < ?)
		ORDER BY available_at ASC, id ASC
		LIMIT 1
	`, topic, s.subscription, now, now).Scan(&row.id, &row.uuid, &row.payload, &row.metadata)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) && ctx.Err() == nil {
			t.logger.Error("failed to fetch message", err, watermill.LogFields{"topic": topic})
		}
		return lockedRow{}, false
	}

	if _, err := tx.ExecContext(ctx, `UPDATE messages SET locked_until = ? WHERE id = ?`, now.Add(t.config.LockTimeout), row.id); err != nil {
		t.logger.Error("failed to lock message", err, watermill.LogFields{"message_uuid": row.uuid})
		return lockedRow{}, false
	}
	if err := tx.Commit(); err != nil {
		t.logger.Error("failed to commit lock", err, watermill.LogFields{"message_uuid": row.uuid})
		return lockedRow{}, false
	}
	return row, true
}

func (t *Transport) ack(id int64) {
	if _, err := t.db.Exec(`DELETE FROM messages WHERE id = ?`, id); err != nil {
		t.logger.Error("failed to ack message", err, nil)
	}
}

func (t *Transport) nack(id int64) {
	var retryCount int
	if err := t.db.QueryRow(`SELECT retry_count FROM messages WHERE id = ?`, id).Scan(&retryCount); err != nil {
		t.logger.Error("failed to get retry count", err, nil)
		return
	}

	if retryCount >= t.config.MaxRetries {
		t.deadLetter(id)
		return
	}

	availableAt := time.Now().UTC().Add(time.Duration(retryCount+1) * t.config.RetryBackoff)
	_, err := t.db.Exec(`
		UPDATE messages
		SET retry_count = retry_count + 1, locked_until = NULL, available_at = ?
		WHERE id = ?
	`, availableAt, id)
	if err != nil {
		t.logger.Error("failed to nack message", err, nil)
	}
}

func (t *Transport) deadLetter(id int64) {
	tx, err := t.db.Begin()
	if err != nil {
		t.logger.Error("failed to begin transaction", err, nil)
		return
	}
	defer t.rollback(tx)

	if _, err := tx.Exec(`
		INSERT INTO dead_letter (uuid, topic, subscription, payload, metadata, retry_count)
		SELECT uuid, topic, subscription, payload, metadata, retry_count + 1
		FROM messages WHERE id = ?
	`, id); err != nil {
		t.logger.Error("failed to move message to dead letter", err, nil)
		return
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE id = ?`, id); err != nil {
		t.logger.Error("failed to delete dead-lettered message", err, nil)
		return
	}
	if err := tx.Commit(); err != nil {
		t.logger.Error("failed to commit dead letter", err, nil)
	}
}

func (t *Transport) unlock(id int64) {
	if _, err := t.db.Exec(`UPDATE messages SET locked_until = NULL WHERE id = ?`, id); err != nil {
		t.logger.Error("failed to unlock message", err, nil)
	}
}
