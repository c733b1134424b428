package stream

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestNewConsumerRejectsBadConfig(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	if _, err := NewConsumer(ctx, ConsumerConfig{Driver: "amqp"}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := NewConsumer(ctx, ConsumerConfig{Driver: DriverKafka}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for missing brokers, got %v", err)
	}
	if _, err := NewConsumer(ctx, ConsumerConfig{Driver: DriverKafka, Brokers: []string{"b:9092"}}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for missing group, got %v", err)
	}
	if _, err := NewConsumer(ctx, ConsumerConfig{Driver: DriverKafka, Brokers: []string{"b:9092"}, Group: "g"}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for missing topics, got %v", err)
	}
}

func TestNewPublisherRejectsBadConfig(t *testing.T) {
	t.Parallel()

	if _, err := NewPublisher(PublisherConfig{Driver: "amqp"}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := NewPublisher(PublisherConfig{Driver: DriverKafka}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for missing brokers, got %v", err)
	}
}

func TestStdioConsumerDeliversLines(t *testing.T) {
	t.Parallel()

	input := strings.NewReader("first\nsecond\n")
	c, err := NewConsumer(context.Background(), ConsumerConfig{Driver: DriverStdio, Reader: input})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer c.Close()

	var got []string
	timeout := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				t.Fatalf("events channel closed after %d events", len(got))
			}
			if ev.ReceivedAt.IsZero() {
				t.Fatalf("missing receive timestamp")
			}
			if err := ev.Ack(context.Background()); err != nil {
				t.Fatalf("Ack: %v", err)
			}
			got = append(got, string(ev.Value))
		case err := <-c.Errors():
			if err != nil {
				t.Fatalf("consumer error: %v", err)
			}
		case <-timeout:
			t.Fatalf("timed out after %d events", len(got))
		}
	}
	if !reflect.DeepEqual(got, []string{"first", "second"}) {
		t.Fatalf("events: got %v", got)
	}

	// EOF closes the channels.
	select {
	case _, ok := <-c.Events():
		if ok {
			t.Fatalf("expected closed events channel")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("events channel not closed after EOF")
	}
}

func TestStdioConsumerReportsOversizedLines(t *testing.T) {
	t.Parallel()

	input := strings.NewReader(strings.Repeat("x", 64) + "\n")
	c, err := NewConsumer(context.Background(), ConsumerConfig{
		Driver:       DriverStdio,
		Reader:       input,
		MaxLineBytes: 16,
	})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer c.Close()

	select {
	case err := <-c.Errors():
		if err == nil {
			t.Fatalf("expected scanner error for oversized line")
		}
	case ev := <-c.Events():
		t.Fatalf("unexpected event %q", ev.Value)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for scanner error")
	}
}

func TestStdioPublisherWritesLines(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p, err := NewPublisher(PublisherConfig{Driver: DriverStdio, Writer: &buf})
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	defer p.Close()

	ctx := context.Background()
	if err := p.Publish(ctx, "any-topic", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := p.Publish(ctx, "any-topic", []byte(`{"b":2}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := buf.String(); got != "{\"a\":1}\n{\"b\":2}\n" {
		t.Fatalf("output: %q", got)
	}
}

func TestSplitCommaList(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"  ", nil},
		{"a", []string{"a"}},
		{"a,b", []string{"a", "b"}},
		{" a , ,b, ", []string{"a", "b"}},
	}
	for _, tc := range cases {
		if got := SplitCommaList(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("SplitCommaList(%q): got %v want %v", tc.in, got, tc.want)
		}
	}
}
