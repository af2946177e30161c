package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "default is none", cfg: Config{}},
		{name: "stdio", cfg: Config{Driver: DriverStdio, Writer: &bytes.Buffer{}}},
		{name: "kafka brokers", cfg: Config{Driver: DriverKafka, Brokers: []string{"127.0.0.1:9092"}}},
		{name: "kafka missing brokers", cfg: Config{Driver: DriverKafka, Brokers: []string{" ", ""}}, wantErr: true},
		{name: "nats missing url", cfg: Config{Driver: DriverNATS}, wantErr: true},
		{name: "unsupported", cfg: Config{Driver: "sqs"}, wantErr: true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			p, err := New(tc.cfg)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Fatalf("expected ErrInvalidConfig, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			_ = p.Close()
		})
	}
}

func TestStdioPublisherWritesJSONLines(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	p, err := New(Config{Driver: DriverStdio, Writer: &out})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	idx := uint64(9)
	at := time.Date(2026, 2, 4, 0, 0, 0, 0, time.UTC)
	if err := p.Publish(context.Background(), Event{Type: CommitmentRegistered, User: "0x1", Commitment: "0xabc", LeafIndex: &idx, At: at}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := p.Publish(context.Background(), Event{Type: RootChanged, MerkleRoot: "0x2"}); err != nil {
		t.Fatalf("Publish #2: %v", err)
	}

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines: %q", out.String())
	}
	var got Event
	if err := json.Unmarshal([]byte(lines[0]), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != CommitmentRegistered || got.LeafIndex == nil || *got.LeafIndex != 9 || !got.At.Equal(at) {
		t.Fatalf("event: %+v", got)
	}
	if strings.Contains(lines[0], "secret") {
		t.Fatalf("event leaked a secret field: %s", lines[0])
	}

	if err := p.Publish(context.Background(), Event{}); err == nil {
		t.Fatalf("expected error for event without type")
	}
}

type fakeKafkaWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (f *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error { return nil }

func TestKafkaPublisherKeysByUser(t *testing.T) {
	t.Parallel()

	w := &fakeKafkaWriter{}
	p, err := New(Config{Driver: DriverKafka, KafkaWriter: w})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Publish(context.Background(), Event{Type: DepositSubmitted, User: "0x456", TxHash: "0x9"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("messages: %d", len(w.msgs))
	}
	m := w.msgs[0]
	if m.Topic != defaultTopic || string(m.Key) != "0x456" {
		t.Fatalf("message: topic=%q key=%q", m.Topic, m.Key)
	}
}

type fakeNATSConn struct {
	subjects []string
	flushed  int
	drained  bool
}

func (f *fakeNATSConn) Publish(subject string, _ []byte) error {
	f.subjects = append(f.subjects, subject)
	return nil
}

func (f *fakeNATSConn) FlushWithContext(context.Context) error {
	f.flushed++
	return nil
}

func (f *fakeNATSConn) Drain() error {
	f.drained = true
	return nil
}

func TestNATSPublisherSubjects(t *testing.T) {
	t.Parallel()

	conn := &fakeNATSConn{}
	p, err := New(Config{Driver: DriverNATS, NATSConn: conn, SubjectPrefix: "pool.events."})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Publish(context.Background(), Event{Type: CommitmentSpent}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(conn.subjects) != 1 || conn.subjects[0] != "pool.events.commitment.spent" {
		t.Fatalf("subjects: %v", conn.subjects)
	}
	if conn.flushed != 1 || !conn.drained {
		t.Fatalf("flushed=%d drained=%v", conn.flushed, conn.drained)
	}
}

func TestKafkaTLSEnabled(t *testing.T) {
	cases := map[string]bool{"": false, "0": false, "true": true, " ON ": true, "yes": true}
	for value, want := range cases {
		t.Setenv(envKafkaTLS, value)
		if got := kafkaTLSEnabled(); got != want {
			t.Fatalf("kafkaTLSEnabled(%q) = %t, want %t", value, got, want)
		}
	}
}
