package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Default queue names.
const (
	DefaultJobQueue    = "ruleflow.jobs"
	DefaultStatusQueue = "ruleflow.status"
)

// MessageType distinguishes messages on the queues.
type MessageType string

const (
	MessageSubmit MessageType = "job.submit"
	MessageCancel MessageType = "job.cancel"
	MessageStatus MessageType = "job.status"
)

// Message is the envelope for every queue message.
type Message struct {
	ID         string      `json:"id"`
	Type       MessageType `json:"type"`
	Handle     Handle      `json:"handle"`
	Submission *Submission `json:"submission,omitempty"`
	Status     *Status     `json:"status,omitempty"`
	ReplyTo    string      `json:"reply_to,omitempty"` // status queue of the submitting run
	Timestamp  time.Time   `json:"timestamp"`
}

// Channel is the part of *amqp.Channel the backend and worker use.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Dial opens a connection and channel to url.
func Dial(url string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	return conn, ch, nil
}

// DeclareQueues declares the durable job and status queues.
func DeclareQueues(ch Channel, queues ...string) error {
	for _, q := range queues {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", q, err)
		}
	}
	return nil
}

func publish(ctx context.Context, ch Channel, queue string, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	err = ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.Timestamp,
		Type:         string(msg.Type),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

func newMessage(typ MessageType, h Handle) Message {
	return Message{ID: uuid.NewString(), Type: typ, Handle: h, Timestamp: time.Now()}
}

// AMQPConfig configures the AMQP backend and worker.
type AMQPConfig struct {
	JobQueue    string
	StatusQueue string
}

func (c AMQPConfig) withDefaults() AMQPConfig {
	if c.JobQueue == "" {
		c.JobQueue = DefaultJobQueue
	}
	if c.StatusQueue == "" {
		c.StatusQueue = DefaultStatusQueue
	}
	return c
}

// AMQP submits jobs to a work queue consumed by ruleflow workers and learns
// their state from a status queue. Cancelling a job that a worker has
// already started does not interrupt it; the status is reported as
// cancelled to the run either way.
type AMQP struct {
	ch     Channel
	cfg    AMQPConfig
	logger *slog.Logger

	mu       sync.Mutex
	statuses map[Handle]Status
}

// NewAMQP declares the queues and starts consuming status updates until ctx
// is done.
func NewAMQP(ctx context.Context, ch Channel, cfg AMQPConfig, logger *slog.Logger) (*AMQP, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	if err := DeclareQueues(ch, cfg.JobQueue, cfg.StatusQueue); err != nil {
		return nil, err
	}

	deliveries, err := ch.Consume(cfg.StatusQueue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", cfg.StatusQueue, err)
	}

	a := &AMQP{ch: ch, cfg: cfg, logger: logger, statuses: make(map[Handle]Status)}
	go a.consumeStatus(ctx, deliveries)
	return a, nil
}

// Name implements Backend.
func (a *AMQP) Name() string { return "amqp" }

// Submit implements Backend.
func (a *AMQP) Submit(ctx context.Context, sub Submission) (Handle, error) {
	h := Handle(uuid.NewString())
	msg := newMessage(MessageSubmit, h)
	msg.Submission = &sub
	msg.ReplyTo = a.cfg.StatusQueue

	a.mu.Lock()
	a.statuses[h] = Status{State: StatePending}
	a.mu.Unlock()

	if err := publish(ctx, a.ch, a.cfg.JobQueue, msg); err != nil {
		a.mu.Lock()
		delete(a.statuses, h)
		a.mu.Unlock()
		return "", err
	}
	return h, nil
}

// Poll implements Backend.
func (a *AMQP) Poll(_ context.Context, h Handle) (Status, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	status, ok := a.statuses[h]
	if !ok {
		return Status{}, Permanent(fmt.Errorf("unknown handle %s", h))
	}
	return status, nil
}

// Cancel implements Backend.
func (a *AMQP) Cancel(ctx context.Context, h Handle) error {
	a.mu.Lock()
	a.statuses[h] = Status{State: StateCancelled, ExitCode: -1, Message: "cancelled"}
	a.mu.Unlock()
	return publish(ctx, a.ch, a.cfg.JobQueue, newMessage(MessageCancel, h))
}

func (a *AMQP) consumeStatus(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				a.logger.Warn("status deliveries closed", "queue", a.cfg.StatusQueue)
				return
			}
			a.handleStatus(d)
		}
	}
}

func (a *AMQP) handleStatus(d amqp.Delivery) {
	var msg Message
	if err := json.Unmarshal(d.Body, &msg); err != nil || msg.Type != MessageStatus || msg.Status == nil {
		a.logger.Error("malformed status message", "queue", a.cfg.StatusQueue, "error", err)
		d.Nack(false, false)
		return
	}

	a.mu.Lock()
	cur, known := a.statuses[msg.Handle]
	// Status messages for other runs' jobs, or arriving after a terminal
	// state, are ignored.
	if known && !cur.State.Terminal() {
		a.statuses[msg.Handle] = *msg.Status
	}
	a.mu.Unlock()

	a.logger.Debug("status received", "handle", string(msg.Handle), "state", msg.Status.State.String(), "known", known)
	d.Ack(false)
}
