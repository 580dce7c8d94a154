// Package postgres provides a broker-style durable queue on PostgreSQL.
//
// It keeps the SQLite transport's model in a shared database: every
// subscription of a destination gets its own copy of each message, a
// delivered row is locked until it is settled and receivers of the same
// subscription compete for rows with FOR UPDATE SKIP LOCKED.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/lib/pq"

	errspkg "github.com/drblury/socialbus/internal/runtime/errors"
	"github.com/drblury/socialbus/internal/runtime/jsoncodec"
	"github.com/drblury/socialbus/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "postgres"

const (
	// DefaultSchemaName holds the queue tables.
	DefaultSchemaName = "socialbus"
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

// ErrConnectionStringRequired is returned by New without a connection string.
var ErrConnectionStringRequired = errors.New("postgres: connection string is required")

func init() {
	Register()
}

// Register registers the PostgreSQL transport with the default registry,
// also under the "postgresql" alias.
func Register() {
	transport.Register(transport.Descriptor{
		Name:         TransportName,
		Aliases:      []string{"postgresql"},
		Build:        Build,
		Capabilities: transport.PostgresCapabilities,
	})
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.PostgresCapabilities
}

// Build connects to the database named by the config. The shared subscriber
// consumes as the service; SubscriberFor adds named subscriptions.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(ctx, Config{ConnectionString: cfg.GetPostgresURL()}, logger)
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

// Config holds PostgreSQL-specific configuration.
type Config struct {
	// ConnectionString is a lib/pq URL or key=value connection string.
	ConnectionString string
	// SchemaName is created if missing. Defaults to "socialbus".
	SchemaName   string
	PollInterval time.Duration
	MaxRetries   int
	LockTimeout  time.Duration
	RetryBackoff time.Duration
	MaxOpenConns int
	MaxIdleConns int
}

func (c Config) withDefaults() Config {
	if c.SchemaName == "" {
		c.SchemaName = DefaultSchemaName
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
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	return c
}

// tables holds the quoted, schema-qualified table names.
type tables struct {
	schema        string
	subscriptions string
	messages      string
	deadLetter    string
}

func tablesIn(schema string) tables {
	quoted := pq.QuoteIdentifier(schema)
	return tables{
		schema:        quoted,
		subscriptions: quoted + ".subscriptions",
		messages:      quoted + ".messages",
		deadLetter:    quoted + ".dead_letter",
	}
}

// Transport is the publisher side of the queue and owns the connection pool.
type Transport struct {
	db     *sql.DB
	config Config
	tables tables
	logger watermill.LoggerAdapter

	closeOnce  sync.Once
	closedChan chan struct{}
	wg         sync.WaitGroup
}

// New connects to the database and creates the schema.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	if cfg.ConnectionString == "" {
		return nil, ErrConnectionStringRequired
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	t := &Transport{
		db:         db,
		config:     cfg,
		tables:     tablesIn(cfg.SchemaName),
		logger:     logger,
		closedChan: make(chan struct{}),
	}

	if err := t.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return t, nil
}

func (t *Transport) initSchema(ctx context.Context) error {
	// #nosec G201 - identifiers are quoted with pq.QuoteIdentifier
	schema := fmt.Sprintf(`
	CREATE SCHEMA IF NOT EXISTS %[1]s;

	CREATE TABLE IF NOT EXISTS %[2]s (
		topic TEXT NOT NULL,
		name TEXT NOT NULL,
		created_at TIMESTAMPTZ DEFAULT NOW(),
		PRIMARY KEY (topic, name)
	);

	CREATE TABLE IF NOT EXISTS %[3]s (
		id BIGSERIAL PRIMARY KEY,
		uuid TEXT NOT NULL,
		topic TEXT NOT NULL,
		subscription TEXT NOT NULL,
		payload BYTEA NOT NULL,
		metadata JSONB DEFAULT '{}',
		available_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		locked_until TIMESTAMPTZ,
		retry_count INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS messages_delivery_idx
		ON %[3]s (topic, subscription, available_at);

	CREATE TABLE IF NOT EXISTS %[4]s (
		id BIGSERIAL PRIMARY KEY,
		uuid TEXT NOT NULL,
		topic TEXT NOT NULL,
		subscription TEXT NOT NULL,
		payload BYTEA NOT NULL,
		metadata JSONB DEFAULT '{}',
		retry_count INTEGER DEFAULT 0,
		failed_at TIMESTAMPTZ DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS dead_letter_topic_idx ON %[4]s (topic);
	`, t.tables.schema, t.tables.subscriptions, t.tables.messages, t.tables.deadLetter)

	_, err := t.db.ExecContext(ctx, schema)
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

// Publish stores each message once for every subscription of topic in one
// transaction. A topic without subscriptions drops the message.
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

	subscriptions, err := t.subscriptionsOf(tx, topic)
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

	// #nosec G201 - identifiers are quoted with pq.QuoteIdentifier
	stmt, err := tx.Prepare(fmt.Sprintf(`
		INSERT INTO %s (uuid, topic, subscription, payload, metadata, available_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, t.tables.messages))
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

func (t *Transport) subscriptionsOf(tx *sql.Tx, topic string) ([]string, error) {
	// #nosec G201 - identifiers are quoted with pq.QuoteIdentifier
	rows, err := tx.Query(fmt.Sprintf(`SELECT name FROM %s WHERE topic = $1 ORDER BY name`, t.tables.subscriptions), topic)
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

// Close stops every receiver and closes the connection pool.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closedChan)
		t.wg.Wait()
		err = t.db.Close()
	})
	return err
}

// ForSubscription returns a receiver consuming as subscription.
func (t *Transport) ForSubscription(subscription string) *Subscriber {
	return &Subscriber{
		transport:    t,
		subscription: subscription,
		closedChan:   make(chan struct{}),
	}
}

func (t *Transport) register(ctx context.Context, topic, subscription string) error {
	// #nosec G201 - identifiers are quoted with pq.QuoteIdentifier
	query := fmt.Sprintf(`INSERT INTO %s (topic, name) VALUES ($1, $2) ON CONFLICT DO NOTHING`, t.tables.subscriptions)
	if _, err := t.db.ExecContext(ctx, query, topic, subscription); err != nil {
		return fmt.Errorf("failed to register subscription %q on %q: %w", subscription, topic, err)
	}
	return nil
}

func (t *Transport) count(ctx context.Context, table, topic string) (int64, error) {
	var count int64
	// #nosec G201 - identifiers are quoted with pq.QuoteIdentifier
	err := t.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE topic = $1`, table), topic).Scan(&count)
	return count, err
}

// DeadLetterCount returns the number of dead-lettered messages for topic.
func (t *Transport) DeadLetterCount(ctx context.Context, topic string) (int64, error) {
	return t.count(ctx, t.tables.deadLetter, topic)
}

// PendingCount returns the number of unsettled messages for topic across
// all subscriptions.
func (t *Transport) PendingCount(ctx context.Context, topic string) (int64, error) {
	return t.count(ctx, t.tables.messages, topic)
}

// ReplayDeadLetters moves every dead-lettered message of topic back to the
// subscription it failed on, with its retry count reset.
func (t *Transport) ReplayDeadLetters(ctx context.Context, topic string) (int64, error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer t.rollback(tx)

	// #nosec G201 - identifiers are quoted with pq.QuoteIdentifier
	result, err := tx.ExecContext(ctx, fmt.Sprintf(`
		WITH replayed AS (
			DELETE FROM %[1]s WHERE topic = $1
			RETURNING uuid, topic, subscription, payload, metadata
		)
		INSERT INTO %[2]s (uuid, topic, subscription, payload, metadata, available_at)
		SELECT uuid, topic, subscription, payload, metadata, NOW() FROM replayed
	`, t.tables.deadLetter, t.tables.messages), topic)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return affected, tx.Commit()
}

// PurgeDeadLetters removes the dead-lettered messages of topic.
func (t *Transport) PurgeDeadLetters(ctx context.Context, topic string) (int64, error) {
	// #nosec G201 - identifiers are quoted with pq.QuoteIdentifier
	result, err := t.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE topic = $1`, t.tables.deadLetter), topic)
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

// Close stops this subscriber's receivers. The pool stays open.
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
	metadata []byte
}

// deliverNext hands one row to output and settles it. It reports whether a
// row was delivered and the receiver should look again right away.
func (s *Subscriber) deliverNext(ctx context.Context, topic string, output chan<- *message.Message) bool {
	row, ok := s.lockNext(ctx, topic)
	if !ok {
		return false
	}
	t := s.transport

	msg := message.NewMessage(row.uuid, row.payload)
	if len(row.metadata) > 0 {
		if err := jsoncodec.Unmarshal(row.metadata, &msg.Metadata); err != nil {
			t.logger.Error("failed to unmarshal metadata", err, watermill.LogFields{"message_uuid": row.uuid})
		}
	}
	msgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	msg.SetContext(msgCtx)

	select {
	case output <- msg:
	case <-ctx.Done():
		t.unlock(row.id)
		return false
	case <-s.closedChan:
		t.unlock(row.id)
		return false
	case <-t.closedChan:
		return false
	}

	select {
	case <-msg.Acked():
		t.ack(row.id)
		return true
	case <-msg.Nacked():
		t.nack(row.id)
		return true
	case <-ctx.Done():
		t.unlock(row.id)
	case <-s.closedChan:
		t.unlock(row.id)
	case <-t.closedChan:
	}
	return false
}

// lockNext claims the oldest available row of the subscription. Concurrent
// receivers skip rows another transaction is claiming.
func (s *Subscriber) lockNext(ctx context.Context, topic string) (lockedRow, bool) {
	t := s.transport
	now := time.Now().UTC()

	// #nosec G201 - identifiers are quoted with pq.QuoteIdentifier
	query := fmt.Sprintf(`
		UPDATE %[1]s
		SET locked_until = $1
		WHERE id = (
			SELECT id FROM %[1]s
			WHERE topic = $2 AND subscription = $3
			AND available_at <= $4
			AND (locked_until IS NULL OR locked_until < $4)
			ORDER BY available_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, uuid, payload, metadata
	`, t.tables.messages)

	var row lockedRow
	err := t.db.QueryRowContext(ctx, query, now.Add(t.config.LockTimeout), topic, s.subscription, now).
		Scan(&row.id, &row.uuid, &row.payload, &row.metadata)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) && ctx.Err() == nil && !t.isClosed() {
			t.logger.Error("failed to fetch and lock message", err, watermill.LogFields{"topic": topic})
		}
		return lockedRow{}, false
	}
	return row, true
}

func (t *Transport) ack(id int64) {
	// #nosec G201 - identifiers are quoted with pq.QuoteIdentifier
	if _, err := t.db.Exec(fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, t.tables.messages), id); err != nil {
		t.logger.Error("failed to ack message", err, nil)
	}
}

func (t *Transport) nack(id int64) {
	var retryCount int
	// #nosec G201 - identifiers are quoted with pq.QuoteIdentifier
	err := t.db.QueryRow(fmt.Sprintf(`SELECT retry_count FROM %s WHERE id = $1`, t.tables.messages), id).Scan(&retryCount)
	if err != nil {
		t.logger.Error("failed to get retry count", err, nil)
		return
	}

	if retryCount >= t.config.MaxRetries {
		t.deadLetter(id)
		return
	}

	availableAt := time.Now().UTC().Add(time.Duration(retryCount+1) * t.config.RetryBackoff)
	// #nosec G201 - identifiers are quoted with pq.QuoteIdentifier
	_, err = t.db.Exec(fmt.Sprintf(`
		UPDATE %s
		SET retry_count = retry_count + 1, locked_until = NULL, available_at = $1
		WHERE id = $2
	`, t.tables.messages), availableAt, id)
	if err != nil {
		t.logger.Error("failed to nack message", err, nil)
	}
}

func (t *Transport) deadLetter(id int64) {
	// #nosec G201 - identifiers are quoted with pq.QuoteIdentifier
	_, err := t.db.Exec(fmt.Sprintf(`
		WITH failed AS (
			DELETE FROM %[1]s WHERE id = $1
			RETURNING uuid, topic, subscription, payload, metadata, retry_count
		)
		INSERT INTO %[2]s (uuid, topic, subscription, payload, metadata, retry_count)
		SELECT uuid, topic, subscription, payload, metadata, retry_count + 1 FROM failed
	`, t.tables.messages, t.tables.deadLetter), id)
	if err != nil {
		t.logger.Error("failed to move message to dead letter", err, nil)
	}
}

func (t *Transport) unlock(id int64) {
	// #nosec G201 - identifiers are quoted with pq.QuoteIdentifier
	if _, err := t.db.Exec(fmt.Sprintf(`UPDATE %s SET locked_until = NULL WHERE id = $1`, t.tables.messages), id); err != nil {
		t.logger.Error("failed to unlock message", err, nil)
	}
}
