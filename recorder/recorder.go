package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "gateflow/config"
	"gateflow/gateway"
	"gateflow/logger"
	"gateflow/models"
)

// eventRecord is the parquet schema for one recorded gateway event. The
// payload is serialized to JSON so every event kind fits one schema.
type eventRecord struct {
	Kind      string `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	RequestID int64  `parquet:"name=request_id, type=INT64"`
	OrderID   int64  `parquet:"name=order_id, type=INT64"`
	TickerID  int64  `parquet:"name=ticker_id, type=INT64"`
	Code      int32  `parquet:"name=code, type=INT32"`
	Text      string `parquet:"name=text, type=BYTE_ARRAY, convertedtype=UTF8"`
	Account   string `parquet:"name=account, type=BYTE_ARRAY, convertedtype=UTF8"`
	Payload   string `parquet:"name=payload, type=BYTE_ARRAY, convertedtype=UTF8"`
	Received  int64  `parquet:"name=received, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

// memory file writer backing the parquet encoder
type memFileWriter struct{ buffer *bytes.Buffer }

func newMemFileWriter() *memFileWriter { return &memFileWriter{buffer: &bytes.Buffer{}} }

func (m *memFileWriter) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFileWriter) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFileWriter) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFileWriter) Read([]byte) (int, error)                  { return 0, nil }
func (m *memFileWriter) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFileWriter) Close() error                              { return nil }
func (m *memFileWriter) Bytes() []byte                             { return m.buffer.Bytes() }

// Recorder observes every event on a gateway connection and archives them to
// S3 in parquet batches, partitioned by kind and hour. It subscribes as a
// catch-all, so it sees session events and unknown kinds as well as
// correlated data. A full buffer drops events rather than stalling dispatch.
type Recorder struct {
	cfg      *appconfig.Config
	conn     *gateway.Conn
	s3Client *s3.Client
	upload   func(ctx context.Context, key string, data []byte) error
	events   chan models.Message
	buffer   map[string][]eventRecord
	mu       sync.Mutex
	ticker   *time.Ticker
	ctx      context.Context
	cancel   context.CancelFunc
	wg       *sync.WaitGroup
	running  bool
	log      *logger.Log
}

// stopFlushTimeout bounds the final flush in Stop so a dead S3 endpoint
// cannot hang shutdown.
const stopFlushTimeout = 30 * time.Second

// NewRecorder initializes a recorder for the given connection with AWS
// credentials from the configuration.
func NewRecorder(cfg *appconfig.Config, conn *gateway.Conn) (*Recorder, error) {
	r := &Recorder{
		cfg:    cfg,
		conn:   conn,
		events: make(chan models.Message, cfg.Channels.EventBuffer),
		buffer: make(map[string][]eventRecord),
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
	}

	if cfg.Storage.S3.Enabled {
		loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Storage.S3.Region)}
		if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
			loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(
					cfg.Storage.S3.AccessKeyID,
					cfg.Storage.S3.SecretAccessKey,
					"",
				)))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		r.s3Client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Storage.S3.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
			}
			o.UsePathStyle = cfg.Storage.S3.PathStyle
		})
		r.upload = r.uploadS3
	}

	return r, nil
}

// Start subscribes to the connection and launches the batching workers.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("recorder already running")
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.ticker = time.NewTicker(r.cfg.Recorder.FlushInterval)
	r.mu.Unlock()

	r.conn.SubscribeAll(r, r.observe)

	r.wg.Add(1)
	go r.worker()

	r.wg.Add(1)
	go r.flushLoop()

	r.log.WithComponent("recorder").WithFields(logger.Fields{
		"batch_size":     r.cfg.Recorder.BatchSize,
		"flush_interval": r.cfg.Recorder.FlushInterval,
	}).Info("recorder started")
	return nil
}

// Stop unsubscribes, stops the workers and flushes remaining batches. The
// final flush runs on its own deadline so it still reaches storage when the
// caller's Start context is already cancelled.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.conn.Unsubscribe(r)
	if r.ticker != nil {
		r.ticker.Stop()
	}
	r.cancel()
	r.wg.Wait()
	r.drainPending()

	flushCtx, cancel := context.WithTimeout(context.Background(), stopFlushTimeout)
	defer cancel()
	r.flushAll(flushCtx)
	r.log.WithComponent("recorder").Info("recorder stopped")
}

// drainPending moves events still sitting in the channel into the batch
// buffer so the final flush sees them. Runs after the worker has exited.
func (r *Recorder) drainPending() {
	for {
		select {
		case msg := <-r.events:
			kind := msg.Kind.String()
			r.mu.Lock()
			r.buffer[kind] = append(r.buffer[kind], toRecord(msg))
			r.mu.Unlock()
		default:
			return
		}
	}
}

// observe runs on the dispatch goroutine and must never block it.
func (r *Recorder) observe(msg models.Message) {
	select {
	case r.events <- msg:
		logger.RecordChannelMessage("recorder_events", len(msg.Text))
	default:
		logger.IncrementDroppedEvent()
		r.log.WithComponent("recorder").WithFields(logger.Fields{
			"kind": msg.Kind.String(),
		}).Warn("recorder buffer full, dropping event")
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case msg, ok := <-r.events:
			if !ok {
				return
			}
			kind := msg.Kind.String()
			r.mu.Lock()
			r.buffer[kind] = append(r.buffer[kind], toRecord(msg))
			shouldFlush := len(r.buffer[kind]) >= r.cfg.Recorder.BatchSize
			r.mu.Unlock()
			if shouldFlush {
				r.flushKind(r.ctx, kind)
			}
		}
	}
}

func (r *Recorder) flushLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.ticker.C:
			r.flushAll(r.ctx)
		}
	}
}

func (r *Recorder) flushAll(ctx context.Context) {
	r.mu.Lock()
	kinds := make([]string, 0, len(r.buffer))
	for k := range r.buffer {
		kinds = append(kinds, k)
	}
	r.mu.Unlock()
	for _, k := range kinds {
		r.flushKind(ctx, k)
	}
}

func (r *Recorder) flushKind(ctx context.Context, kind string) {
	r.mu.Lock()
	records := r.buffer[kind]
	if len(records) == 0 {
		r.mu.Unlock()
		return
	}
	delete(r.buffer, kind)
	r.mu.Unlock()

	start := time.Now()
	data, err := createParquet(records)
	if err != nil {
		r.log.WithComponent("recorder").WithError(err).Error("create parquet failed")
		return
	}
	logger.IncrementRecorderBatch(int64(len(records)))

	if r.upload == nil {
		r.log.WithComponent("recorder").WithFields(logger.Fields{
			"kind":    kind,
			"records": len(records),
		}).Debug("storage disabled, batch discarded after encode")
		return
	}

	key := r.s3Key(kind, time.Now().UTC())
	if err := r.upload(ctx, key, data); err != nil {
		r.log.WithComponent("recorder").WithError(err).Error("upload to s3 failed")
		return
	}
	logger.LogDataFlowEntry(r.log.WithComponent("recorder").WithFields(logger.Fields{
		"s3_key": key,
		"bytes":  len(data),
	}), "gateway", "s3", len(records), kind)
	logger.LogPerformanceEntry(r.log.WithComponent("recorder"), "recorder", "flush",
		time.Since(start), logger.Fields{"kind": kind})
}

// buffered reports how many records are waiting in un-flushed batches.
func (r *Recorder) buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, records := range r.buffer {
		n += len(records)
	}
	return n
}

func toRecord(msg models.Message) eventRecord {
	payload := ""
	if msg.Payload != nil {
		if b, err := json.Marshal(msg.Payload); err == nil {
			payload = string(b)
		}
	}
	return eventRecord{
		Kind:      msg.Kind.String(),
		RequestID: msg.RequestID,
		OrderID:   msg.OrderID,
		TickerID:  msg.TickerID,
		Code:      int32(msg.Code),
		Text:      msg.Text,
		Account:   msg.Account,
		Payload:   payload,
		Received:  msg.Received.UnixMilli(),
	}
}

func createParquet(records []eventRecord) ([]byte, error) {
	mw := newMemFileWriter()
	pw, err := writer.NewParquetWriter(mw, new(eventRecord), 4)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, rec := range records {
		if err := pw.Write(rec); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mw.Bytes(), nil
}

func (r *Recorder) uploadS3(ctx context.Context, key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(r.cfg.Storage.S3.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	_, err := r.s3Client.PutObject(ctx, input)
	return err
}

func (r *Recorder) s3Key(kind string, ts time.Time) string {
	parts := []string{
		r.cfg.Storage.S3.Prefix,
		fmt.Sprintf("kind=%s", kind),
		fmt.Sprintf("year=%04d", ts.Year()),
		fmt.Sprintf("month=%02d", int(ts.Month())),
		fmt.Sprintf("day=%02d", ts.Day()),
		fmt.Sprintf("hour=%02d", ts.Hour()),
	}
	filename := fmt.Sprintf("events_%s_%d_%s.parquet", kind, ts.UnixNano(), uuid.New().String())
	return filepath.ToSlash(filepath.Join(append(parts, filename)...))
}
