// Package events publishes commitment lifecycle notifications for other processes (indexers,
// dashboards, a second device of the same user). Payloads never carry commitment secrets.
package events

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
)

const (
	DriverNone  = "none"
	DriverKafka = "kafka"
	DriverNATS  = "nats"
	DriverStdio = "stdio"
)

const (
	envKafkaTLS          = "SHIELD_EVENTS_KAFKA_TLS"
	defaultTopic         = "shield.commitments"
	defaultSubjectPrefix = "shield.commitments"
)

var ErrInvalidConfig = errors.New("events: invalid config")

type Type string

const (
	DepositSubmitted     Type = "deposit.submitted"
	CommitmentRegistered Type = "commitment.registered"
	RegisterFailed       Type = "commitment.register_failed"
	CommitmentSynced     Type = "commitment.synced"
	WithdrawSubmitted    Type = "withdraw.submitted"
	CommitmentSpent      Type = "commitment.spent"
	SettlementPending    Type = "settlement.pending"
	SettlementConfirmed  Type = "settlement.confirmed"
	RootChanged          Type = "root.changed"
)

type Event struct {
	Type       Type      `json:"type"`
	User       string    `json:"user,omitempty"`
	Commitment string    `json:"commitment,omitempty"`
	TxHash     string    `json:"tx_hash,omitempty"`
	LeafIndex  *uint64   `json:"leaf_index,omitempty"`
	MerkleRoot string    `json:"merkle_root,omitempty"`
	Amount     string    `json:"amount,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Publisher delivers events. Publish failures never abort a fund flow; callers log and move on.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// KafkaWriter is the subset of *kafka.Writer used by the kafka driver.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NATSConn is the subset of *nats.Conn used by the nats driver.
type NATSConn interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Drain() error
}

type Config struct {
	Driver string

	// Kafka fields.
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	KafkaWriter  KafkaWriter

	// NATS fields.
	NATSURL       string
	SubjectPrefix string
	NATSConn      NATSConn

	// Stdio fields.
	Writer io.Writer
}

func New(cfg Config) (Publisher, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverNone:
		return nopPublisher{}, nil
	case DriverKafka:
		return newKafkaPublisher(cfg)
	case DriverNATS:
		return newNATSPublisher(cfg)
	case DriverStdio:
		return newStdioPublisher(cfg), nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverNone
	}
	return v
}

func SplitCommaList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func kafkaTLSEnabled() bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(envKafkaTLS))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func encode(e Event) ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("events: missing type")
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	return json.Marshal(e)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }

func (nopPublisher) Close() error { return nil }

type kafkaPublisher struct {
	w     KafkaWriter
	topic string
}

func newKafkaPublisher(cfg Config) (Publisher, error) {
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		topic = defaultTopic
	}
	if cfg.KafkaWriter != nil {
		return &kafkaPublisher{w: cfg.KafkaWriter, topic: topic}, nil
	}

	brokers := SplitCommaList(strings.Join(cfg.Brokers, ","))
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka requires at least one broker", ErrInvalidConfig)
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: batchTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	if kafkaTLSEnabled() {
		w.Transport = &kafka.Transport{
			TLS: &tls.Config{MinVersion: tls.VersionTLS12},
		}
	}
	return &kafkaPublisher{w: w, topic: topic}, nil
}

// Publish keys messages by user so one user's events stay ordered within a partition.
func (p *kafkaPublisher) Publish(ctx context.Context, e Event) error {
	b, err := encode(e)
	if err != nil {
		return err
	}
	return p.w.WriteMessages(ctx, kafka.Message{Topic: p.topic, Key: []byte(e.User), Value: b})
}

func (p *kafkaPublisher) Close() error {
	return p.w.Close()
}

type natsPublisher struct {
	conn   NATSConn
	prefix string
}

func newNATSPublisher(cfg Config) (Publisher, error) {
	prefix := strings.Trim(strings.TrimSpace(cfg.SubjectPrefix), ".")
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	if cfg.NATSConn != nil {
		return &natsPublisher{conn: cfg.NATSConn, prefix: prefix}, nil
	}
	if strings.TrimSpace(cfg.NATSURL) == "" {
		return nil, fmt.Errorf("%w: nats requires a url", ErrInvalidConfig)
	}
	conn, err := nats.Connect(cfg.NATSURL,
		nats.Name("shieldctl"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(10),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect nats: %w", err)
	}
	return &natsPublisher{conn: conn, prefix: prefix}, nil
}

// Publish sends to <prefix>.<type>, flushing so a short-lived CLI does not exit with the
// event still buffered.
func (p *natsPublisher) Publish(ctx context.Context, e Event) error {
	b, err := encode(e)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.prefix+"."+string(e.Type), b); err != nil {
		return fmt.Errorf("events: nats publish: %w", err)
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("events: nats flush: %w", err)
	}
	return nil
}

func (p *natsPublisher) Close() error {
	return p.conn.Drain()
}

type stdioPublisher struct {
	w io.Writer
	m sync.Mutex
}

func newStdioPublisher(cfg Config) Publisher {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	return &stdioPublisher{w: w}
}

func (p *stdioPublisher) Publish(_ context.Context, e Event) error {
	b, err := encode(e)
	if err != nil {
		return err
	}

	p.m.Lock()
	defer p.m.Unlock()

	if _, err := p.w.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}

func (p *stdioPublisher) Close() error {
	return nil
}
