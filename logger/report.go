package logger

import (
	"context"
	"runtime"
	"strings"
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
	errorsFetch  int64
	errorsSink   int64
	warnsFetch   int64
	warnsSink    int64
	quoteReads   int64
	observations int64
	csvWrites    int64
	s3Writes     int64
	channels     sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "reader") {
		atomic.AddInt64(&warnsFetch, 1)
	} else if strings.Contains(component, "sink") {
		atomic.AddInt64(&warnsSink, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "reader") {
		atomic.AddInt64(&errorsFetch, 1)
	} else if strings.Contains(component, "sink") {
		atomic.AddInt64(&errorsSink, 1)
	}
}

func IncrementQuoteRead(size int) {
	atomic.AddInt64(&quoteReads, 1)
	recordChannel("quote_rest", size)
}

func IncrementObservation() {
	atomic.AddInt64(&observations, 1)
	recordChannel("observation", 1)
}

func IncrementCSVWrite(size int) {
	atomic.AddInt64(&csvWrites, 1)
	recordChannel("csv_write", size)
}

func IncrementS3Write(size int64) {
	atomic.AddInt64(&s3Writes, 1)
	recordChannel("s3_write", int(size))
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
		"errors_fetch":   atomic.LoadInt64(&errorsFetch),
		"errors_sink":    atomic.LoadInt64(&errorsSink),
		"warns_fetch":    atomic.LoadInt64(&warnsFetch),
		"warns_sink":     atomic.LoadInt64(&warnsSink),
		"quote_reads":    atomic.LoadInt64(&quoteReads),
		"observations":   atomic.LoadInt64(&observations),
		"csv_writes":     atomic.LoadInt64(&csvWrites),
		"s3_writes":      atomic.LoadInt64(&s3Writes),
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memStats.Used) / 1024 / 1024,
		"disk_mb":        int64(diskStats.Used) / 1024 / 1024,
		"channels":       channelData,
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("Polyflow-CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("Polyflow-MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("Polyflow-DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("Polyflow-ErrorsFetch"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_fetch"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Polyflow-ErrorsSink"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_sink"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Polyflow-WarnsFetch"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_fetch"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Polyflow-WarnsSink"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_sink"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Polyflow-QuoteReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["quote_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Polyflow-Observations"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["observations"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Polyflow-CSVWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["csv_writes"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Polyflow-S3Writes"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["s3_writes"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Polyflow-NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("Polyflow-NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("Polyflow-ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("Polyflow-ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
