package processing

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/segmentio/kafka-go"

	"filevault/internal/models"
)

// fetcher is the part of *kafka.Reader the consumers use.
type fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaQueue publishes each category on its own topic, <topic>.<category>.
// Messages are keyed by file id so one file's jobs share a partition.
//
// A process holds one group reader per category and fans its messages out
// to every worker of that pool, so a pool runs in parallel even when the
// topic has a single partition. Offsets are committed only up to the
// oldest message still in flight.
type KafkaQueue struct {
	brokers []string
	topic   string
	group   string
	writer  *kafka.Writer

	newReader func(topic string) fetcher

	mu      sync.Mutex
	readers map[Category]*sharedReader
}

var _ Queue = (*KafkaQueue)(nil)

func NewKafkaQueue(cfg models.ProcessingConfig) *KafkaQueue {
	q := &KafkaQueue{
		brokers: cfg.KafkaBrokers,
		topic:   cfg.KafkaTopic,
		group:   cfg.KafkaGroup,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.KafkaBrokers...),
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
			RequiredAcks:           kafka.RequireAll,
		},
		readers: make(map[Category]*sharedReader),
	}
	q.newReader = func(topic string) fetcher {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  q.brokers,
			Topic:    topic,
			GroupID:  q.group,
			MinBytes: 1,
			MaxBytes: 10e6,
		})
	}
	return q
}

func (q *KafkaQueue) topicFor(c Category) string {
	return q.topic + "." + string(c)
}

func (q *KafkaQueue) Publish(ctx context.Context, m Message) error {
	const op = "processing.KafkaQueue.Publish"
	value, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	err = q.writer.WriteMessages(ctx, kafka.Message{
		Topic: q.topicFor(m.Category),
		Key:   []byte(m.FileID),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Subscribe attaches to the category's shared reader, starting it on
// first use.
func (q *KafkaQueue) Subscribe(c Category) Consumer {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.readers[c]
	if !ok {
		s = startShared(q.newReader(q.topicFor(c)))
		q.readers[c] = s
	}
	s.refs++
	return &kafkaConsumer{q: q, c: c, shared: s}
}

// release drops one consumer's hold; the last one stops the reader.
func (q *KafkaQueue) release(c Category, s *sharedReader) error {
	q.mu.Lock()
	s.refs--
	last := s.refs == 0
	if last && q.readers[c] == s {
		delete(q.readers, c)
	}
	q.mu.Unlock()
	if !last {
		return nil
	}
	return s.stop()
}

func (q *KafkaQueue) Close() error {
	q.mu.Lock()
	readers := q.readers
	q.readers = make(map[Category]*sharedReader)
	q.mu.Unlock()

	err := q.writer.Close()
	for _, s := range readers {
		if cerr := s.stop(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

type fetched struct {
	msg Message
	raw kafka.Message
	err error
}

type sharedReader struct {
	reader  fetcher
	tracker *commitTracker
	out     chan fetched
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	refs    int
}

func startShared(r fetcher) *sharedReader {
	ctx, cancel := context.WithCancel(context.Background())
	s := &sharedReader{
		reader:  r,
		tracker: newCommitTracker(),
		out:     make(chan fetched),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.fetch(ctx)
	return s
}

// fetch reads in offset order and hands each message to whichever worker
// is free. Fetch errors are passed on so a worker can log and back off.
func (s *sharedReader) fetch(ctx context.Context) {
	defer close(s.done)
	for {
		raw, err := s.reader.FetchMessage(ctx)
		if ctx.Err() != nil {
			return
		}
		item := fetched{raw: raw, err: err}
		if err == nil {
			s.tracker.add(raw)
			if err := json.Unmarshal(raw.Value, &item.msg); err != nil {
				// Poison message: commit past it so it is not redelivered forever.
				if cerr := s.commit(ctx, raw); cerr != nil {
					item.err = fmt.Errorf("processing.KafkaQueue: commit undecodable message: %w", cerr)
				} else {
					continue
				}
			}
		}
		select {
		case s.out <- item:
		case <-ctx.Done():
			return
		}
	}
}

// commit marks raw handled and commits the contiguous handled prefix of
// its partition.
func (s *sharedReader) commit(ctx context.Context, raw kafka.Message) error {
	s.tracker.mu.Lock()
	defer s.tracker.mu.Unlock()
	upTo, ok := s.tracker.ackLocked(raw)
	if !ok {
		return nil
	}
	return s.reader.CommitMessages(ctx, upTo)
}

func (s *sharedReader) stop() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.reader.Close()
		<-s.done
	})
	return err
}

type kafkaConsumer struct {
	q      *KafkaQueue
	c      Category
	shared *sharedReader
	closed sync.Once
}

// Next hands out the next fetched message. Its offset is committed by ack
// once every earlier message of the partition has been acked too, so a
// crash mid-job redelivers it.
func (c *kafkaConsumer) Next(ctx context.Context) (Message, func(context.Context) error, error) {
	select {
	case item := <-c.shared.out:
		if item.err != nil {
			return Message{}, nil, item.err
		}
		ack := func(ctx context.Context) error {
			return c.shared.commit(ctx, item.raw)
		}
		return item.msg, ack, nil
	case <-ctx.Done():
		return Message{}, nil, ctx.Err()
	case <-c.shared.done:
		return Message{}, nil, ErrQueueClosed
	}
}

func (c *kafkaConsumer) Close() error {
	var err error
	c.closed.Do(func() { err = c.q.release(c.c, c.shared) })
	return err
}

// commitTracker orders acks per partition. Messages are added in fetch
// order and acked in any order; only the longest fully acked prefix is
// safe to commit.
type commitTracker struct {
	mu         sync.Mutex
	partitions map[partitionKey]*partitionState
}

type partitionKey struct {
	topic     string
	partition int
}

type partitionState struct {
	inflight []int64
	acked    map[int64]bool
}

func newCommitTracker() *commitTracker {
	return &commitTracker{partitions: make(map[partitionKey]*partitionState)}
}

func (t *commitTracker) add(m kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := partitionKey{m.Topic, m.Partition}
	p, ok := t.partitions[k]
	if !ok || (len(p.inflight) > 0 && m.Offset <= p.inflight[len(p.inflight)-1]) {
		// New partition, or a rebalance replaying from the last commit.
		p = &partitionState{acked: make(map[int64]bool)}
		t.partitions[k] = p
	}
	p.inflight = append(p.inflight, m.Offset)
}

// ackLocked records m as handled and returns the newest message whose
// offset, and everything before it, is handled. ok is false when an older
// message is still in flight.
func (t *commitTracker) ackLocked(m kafka.Message) (upTo kafka.Message, ok bool) {
	p, found := t.partitions[partitionKey{m.Topic, m.Partition}]
	if !found || !slices.Contains(p.inflight, m.Offset) {
		// Acked after a rebalance reset its partition.
		return kafka.Message{}, false
	}
	p.acked[m.Offset] = true
	var last int64 = -1
	for len(p.inflight) > 0 && p.acked[p.inflight[0]] {
		last = p.inflight[0]
		delete(p.acked, last)
		p.inflight = p.inflight[1:]
	}
	if last < 0 {
		return kafka.Message{}, false
	}
	return kafka.Message{Topic: m.Topic, Partition: m.Partition, Offset: last}, true
}
