package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net" //cloudwatch

	"github.com/aws/aws-sdk-go-v2/aws"                              //cloudwatch
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types" //cloudwatch
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorCount      int64
	warnCount       int64
	eventsRead      int64
	wireWrites      int64
	recorderBatches int64
	droppedEvents   int64
	channels        sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	_ = component
	atomic.AddInt64(&warnCount, 1)
}

func recordError(component string) {
	_ = component
	atomic.AddInt64(&errorCount, 1)
}

// IncrementEventRead records one decoded gateway event of the given size.
func IncrementEventRead(size int) {
	atomic.AddInt64(&eventsRead, 1)
	recordChannel("gateway_events", size)
}

// IncrementWireWrite records one outbound wire call of the given size.
func IncrementWireWrite(size int) {
	atomic.AddInt64(&wireWrites, 1)
	recordChannel("wire_calls", size)
}

// IncrementRecorderBatch records one persisted recorder batch.
func IncrementRecorderBatch(size int64) {
	atomic.AddInt64(&recorderBatches, 1)
	recordChannel("recorder_batches", int(size))
}

// IncrementDroppedEvent records an event dropped by a full consumer buffer.
func IncrementDroppedEvent() {
	atomic.AddInt64(&droppedEvents, 1)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and channel statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors":           atomic.LoadInt64(&errorCount),
		"warns":            atomic.LoadInt64(&warnCount),
		"events_read":      atomic.LoadInt64(&eventsRead),
		"wire_writes":      atomic.LoadInt64(&wireWrites),
		"recorder_batches": atomic.LoadInt64(&recorderBatches),
		"dropped_events":   atomic.LoadInt64(&droppedEvents),
		"goroutines":       runtime.NumGoroutine(),
		"cpu_percent":      cpuPct,
		"memory_mb":        int64(memStats.Used) / 1024 / 1024,
		"disk_mb":          int64(diskStats.Used) / 1024 / 1024,
		"channels":         channelData,
		"net_bytes_sent":   int64(bytesSent),
		"net_bytes_recv":   int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("Errors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Warns"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("EventsRead"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["events_read"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WireWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["wire_writes"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("RecorderBatches"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["recorder_batches"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("DroppedEvents"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["dropped_events"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
