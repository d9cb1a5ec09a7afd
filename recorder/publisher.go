package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	kafka "github.com/segmentio/kafka-go"

	appconfig "gateflow/config"
	"gateflow/gateway"
	"gateflow/logger"
	"gateflow/models"
)

// EventPublisher mirrors every gateway event onto a Kafka topic as JSON,
// keyed by event kind, for downstream consumers that want the live stream
// rather than the parquet archive.
type EventPublisher struct {
	config  *appconfig.Config
	conn    *gateway.Conn
	writer  *kafka.Writer
	events  chan models.Message
	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

// NewEventPublisher creates a publisher for the configured Kafka topic.
func NewEventPublisher(cfg *appconfig.Config, conn *gateway.Conn) (*EventPublisher, error) {
	if len(cfg.Storage.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	p := &EventPublisher{
		config: cfg,
		conn:   conn,
		writer: &kafka.Writer{
			Addr:     kafka.TCP(cfg.Storage.Kafka.Brokers...),
			Topic:    cfg.Storage.Kafka.Topic,
			Balancer: &kafka.LeastBytes{},
		},
		events: make(chan models.Message, cfg.Channels.EventBuffer),
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
	}
	p.log.WithComponent("event_publisher").WithFields(logger.Fields{
		"brokers": cfg.Storage.Kafka.Brokers,
		"topic":   cfg.Storage.Kafka.Topic,
	}).Debug("event publisher initialized")
	return p, nil
}

// Start subscribes to the connection and launches the publishing worker.
func (p *EventPublisher) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("event publisher already running")
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	p.conn.SubscribeAll(p, p.observe)

	p.wg.Add(1)
	go p.run()

	p.log.WithComponent("event_publisher").Debug("event publisher started")
	return nil
}

// observe runs on the dispatch goroutine and must never block it.
func (p *EventPublisher) observe(msg models.Message) {
	select {
	case p.events <- msg:
	default:
		logger.IncrementDroppedEvent()
		p.log.WithComponent("event_publisher").WithFields(logger.Fields{
			"kind": msg.Kind.String(),
		}).Warn("publish buffer full, dropping event")
	}
}

func (p *EventPublisher) run() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case msg, ok := <-p.events:
			if !ok {
				return
			}
			p.publish(p.ctx, msg)
		}
	}
}

func (p *EventPublisher) publish(ctx context.Context, msg models.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		p.log.WithComponent("event_publisher").WithError(err).Warn("failed to marshal event")
		return
	}
	out := kafka.Message{
		Key:   []byte(msg.Kind.String()),
		Value: data,
	}
	if err := p.writer.WriteMessages(ctx, out); err != nil {
		p.log.WithComponent("event_publisher").WithError(err).Warn("failed to write message")
		return
	}
	logger.RecordChannelMessage("kafka_events", len(data))
}

// Stop unsubscribes, stops the worker and publishes whatever is still
// buffered on its own deadline, so shutdown neither hangs nor loses the
// tail of the stream to an already-cancelled Start context.
func (p *EventPublisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.conn.Unsubscribe(p)
	p.cancel()
	p.wg.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), stopFlushTimeout)
	defer cancel()
	for drained := false; !drained; {
		select {
		case msg := <-p.events:
			p.publish(flushCtx, msg)
		default:
			drained = true
		}
	}
	p.writer.Close()
	p.log.WithComponent("event_publisher").Debug("event publisher stopped")
}
