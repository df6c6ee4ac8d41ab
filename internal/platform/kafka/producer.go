package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Message is one record to produce.
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// Producer writes records synchronously with all-ISR acks. In-flight
// requests per broker are capped at one so records sharing a key keep
// their order across retries.
type Producer struct {
	client *kgo.Client
}

// NewProducer connects to brokers.
func NewProducer(brokers string) (*Producer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(SplitBrokers(brokers)...),
		kgo.MaxProduceRequestsInflightPerBroker(1),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RecordRetries(5),
		kgo.RetryBackoffFn(func(n int) time.Duration {
			return time.Duration(n*100) * time.Millisecond
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Producer{client: client}, nil
}

// Produce writes m and waits for the broker acknowledgement.
func (p *Producer) Produce(ctx context.Context, m Message) error {
	if err := p.client.ProduceSync(ctx, buildRecord(m)).FirstErr(); err != nil {
		return fmt.Errorf("kafka produce %s: %w", m.Topic, err)
	}
	return nil
}

// Ping checks that at least one broker answers.
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close flushes buffered records and closes the client.
func (p *Producer) Close(ctx context.Context) error {
	err := p.client.Flush(ctx)
	p.client.Close()
	return err
}

func buildRecord(m Message) *kgo.Record {
	r := &kgo.Record{
		Topic: m.Topic,
		Key:   []byte(m.Key),
		Value: m.Value,
	}
	for k, v := range m.Headers {
		r.Headers = append(r.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	return r
}
