// Package journal publishes accepted scene operations to Kafka so other
// services can follow a project's history.
//
// Publishing is best effort: Record only enqueues, workers send with bounded
// retries, and a full queue drops the event rather than stalling a room.
package journal

import (
	"encoding/json"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/roomsync/internal/scene"
)

type Event struct {
	ProjectID  string          `json:"project_id"`
	Operation  scene.Operation `json:"operation"`
	RecordedAt time.Time       `json:"recorded_at"`
}

type Options struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (o *Options) defaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 100 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 2 * time.Second
	}
}

// Dispatcher fans events out to workers by project, so events of one project
// are sent in the order they were recorded.
type Dispatcher struct {
	producer sarama.SyncProducer
	topic    string
	queues   []chan Event
	opts     Options
	wg       sync.WaitGroup
	closing  sync.Once
	mu       sync.RWMutex
	closed   bool
	dropped  atomic.Int64
	sent     atomic.Int64
	log      *logrus.Entry
}

func NewDispatcher(producer sarama.SyncProducer, topic string, opts Options) *Dispatcher {
	opts.defaults()
	d := &Dispatcher{
		producer: producer,
		topic:    topic,
		queues:   make([]chan Event, opts.Workers),
		opts:     opts,
		log:      logrus.WithFields(logrus.Fields{"component": "journal", "topic": topic}),
	}
	for i := range d.queues {
		d.queues[i] = make(chan Event, opts.QueueSize/opts.Workers+1)
		d.wg.Add(1)
		go d.workerLoop(i)
	}
	return d
}

// NewProducer connects a synchronous producer suitable for the dispatcher.
func NewProducer(brokers []string, clientID string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 0
	return sarama.NewSyncProducer(brokers, cfg)
}

// Record enqueues an operation without blocking.
func (d *Dispatcher) Record(projectID string, op scene.Operation) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return
	}
	evt := Event{ProjectID: projectID, Operation: op, RecordedAt: time.Now().UTC()}
	select {
	case d.queues[d.shard(projectID)] <- evt:
	default:
		if d.dropped.Add(1)%100 == 1 {
			d.log.WithField("project_id", projectID).Warn("Journal queue full, dropping events")
		}
	}
}

func (d *Dispatcher) shard(projectID string) int {
	h := fnv.New32a()
	h.Write([]byte(projectID))
	return int(h.Sum32() % uint32(len(d.queues)))
}

// Close stops accepting events and waits for queued ones to be sent.
func (d *Dispatcher) Close() {
	d.closing.Do(func() {
		d.mu.Lock()
		d.closed = true
		for _, q := range d.queues {
			close(q)
		}
		d.mu.Unlock()
		d.wg.Wait()
		d.log.WithFields(logrus.Fields{
			"sent":    d.sent.Load(),
			"dropped": d.dropped.Load(),
		}).Info("Journal drained")
	})
}

func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

func (d *Dispatcher) Sent() int64 { return d.sent.Load() }

func (d *Dispatcher) workerLoop(worker int) {
	defer d.wg.Done()
	for evt := range d.queues[worker] {
		d.sendWithRetry(worker, evt)
	}
}

func (d *Dispatcher) sendWithRetry(worker int, evt Event) {
	for attempt := 0; attempt <= d.opts.MaxRetry; attempt++ {
		err := d.sendOnce(evt)
		if err == nil {
			d.sent.Add(1)
			return
		}
		if attempt == d.opts.MaxRetry {
			d.dropped.Add(1)
			d.log.WithError(err).WithFields(logrus.Fields{
				"project_id": evt.ProjectID,
				"seq":        evt.Operation.Seq,
				"worker":     worker,
			}).Error("Journal send failed, dropping event")
			return
		}

		backoff := d.opts.BaseBackoff * time.Duration(1<<attempt)
		if backoff > d.opts.MaxBackoff {
			backoff = d.opts.MaxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *Dispatcher) sendOnce(evt Event) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.ProjectID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
