package writer

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	parquetwriter "github.com/xitongsys/parquet-go/writer"

	appconfig "polyflow/config"
	"polyflow/logger"
	"polyflow/models"
)

// s3API is the subset of the S3 client the remote sink uses.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// memoryFileWriter implements ParquetFile interface for in-memory writing
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{
		buffer: &bytes.Buffer{},
	}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) {
	return mfw, nil
}

func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error) {
	return mfw, nil
}

func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error) {
	return mfw.buffer.Read(b)
}

func (mfw *memoryFileWriter) Write(b []byte) (int, error) {
	return mfw.buffer.Write(b)
}

func (mfw *memoryFileWriter) Close() error {
	return nil
}

func (mfw *memoryFileWriter) Bytes() []byte {
	return mfw.buffer.Bytes()
}

// S3Writer is the optional remote backend. Observations are buffered per
// market and flushed as batch objects (csv or parquet) under a partitioned
// key scheme. Every write is best-effort: an upload failure drops the batch
// with a log line and never touches the durable sink.
type S3Writer struct {
	config     *appconfig.Config
	s3Client   s3API
	thresholds models.ThresholdSet
	mu         sync.Mutex
	buffer     map[string][]models.Observation
	log        *logger.Log
}

func NewS3Writer(cfg *appconfig.Config, thresholds models.ThresholdSet) (*S3Writer, error) {
	log := logger.GetLogger()
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Sink.S3.Region),
	}
	if cfg.Sink.S3.AccessKeyID != "" && cfg.Sink.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Sink.S3.AccessKeyID,
				cfg.Sink.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("s3_sink").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Sink.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Sink.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Sink.S3.PathStyle
	})

	w := &S3Writer{
		config:     cfg,
		s3Client:   s3Client,
		thresholds: thresholds,
		buffer:     make(map[string][]models.Observation),
		log:        log,
	}

	log.WithComponent("s3_sink").WithFields(logger.Fields{
		"bucket":     cfg.Sink.S3.Bucket,
		"region":     cfg.Sink.S3.Region,
		"endpoint":   cfg.Sink.S3.Endpoint,
		"path_style": cfg.Sink.S3.PathStyle,
		"format":     cfg.Sink.S3.Format,
	}).Info("s3 sink initialized")

	return w, nil
}

// Add buffers one observation for the next flush.
func (w *S3Writer) Add(obs models.Observation) {
	w.mu.Lock()
	w.buffer[obs.MarketID] = append(w.buffer[obs.MarketID], obs)
	w.mu.Unlock()
}

// Buffered returns the number of observations waiting for the next flush.
func (w *S3Writer) Buffered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, entries := range w.buffer {
		n += len(entries)
	}
	return n
}

// Flush uploads all buffered observations as one object per market. Failed
// batches are logged and dropped; the durable sink already has the rows.
func (w *S3Writer) Flush(ctx context.Context, reason string) {
	w.mu.Lock()
	buffers := w.buffer
	w.buffer = make(map[string][]models.Observation)
	w.mu.Unlock()

	if len(buffers) == 0 {
		return
	}

	w.log.WithComponent("s3_sink").WithFields(logger.Fields{
		"flushed_buffers": len(buffers),
		"reason":          reason,
	}).Info("flushing buffers")

	for marketID, entries := range buffers {
		if len(entries) == 0 {
			continue
		}
		w.processBatch(ctx, marketID, entries)
	}
}

func (w *S3Writer) processBatch(ctx context.Context, marketID string, entries []models.Observation) {
	batchID := uuid.New().String()

	log := w.log.WithComponent("s3_sink").WithFields(logger.Fields{
		"batch_id":     batchID,
		"market_id":    marketID,
		"record_count": len(entries),
		"operation":    "process_batch",
	})

	key := w.generateKey(marketID, entries[len(entries)-1].Timestamp, batchID)
	log = log.WithFields(logger.Fields{"s3_key": key})

	var data []byte
	var err error
	switch w.config.Sink.S3.Format {
	case "parquet":
		data, err = w.buildParquetObject(entries)
	default:
		data, err = w.buildCSVObject(entries)
	}
	if err != nil {
		log.WithError(err).Error("failed to build batch object")
		return
	}

	if err := w.upload(ctx, key, data); err != nil {
		log.WithError(err).
			WithEnv("S3_BUCKET").
			WithFields(logger.Fields{"bucket": w.config.Sink.S3.Bucket}).
			Error("failed to upload to S3, dropping batch")
		return
	}

	logger.IncrementS3Write(int64(len(data)))
	log.WithFields(logger.Fields{"object_size": len(data)}).Info("batch uploaded successfully")
}

func (w *S3Writer) generateKey(marketID string, ts time.Time, batchID string) string {
	ts = ts.UTC()

	parts := []string{}
	if w.config.Sink.S3.Prefix != "" {
		parts = append(parts, w.config.Sink.S3.Prefix)
	}
	parts = append(parts,
		fmt.Sprintf("market=%s", marketID),
		fmt.Sprintf("year=%04d", ts.Year()),
		fmt.Sprintf("month=%02d", ts.Month()),
		fmt.Sprintf("day=%02d", ts.Day()),
		fmt.Sprintf("hour=%02d", ts.Hour()),
	)

	ext := "csv"
	if w.config.Sink.S3.Format == "parquet" {
		ext = "parquet"
	}
	filename := fmt.Sprintf("polyflow_obs_%s_%s.%s",
		ts.Format("20060102150405"),
		batchID[:8],
		ext)

	key := filepath.Join(append(parts, filename)...)
	return filepath.ToSlash(key)
}

// buildCSVObject renders a batch with the same header and row format as the
// durable file, so downstream formulas work against either store.
func (w *S3Writer) buildCSVObject(entries []models.Observation) ([]byte, error) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)

	if err := cw.Write(models.Header(w.thresholds)); err != nil {
		return nil, fmt.Errorf("write batch header: %w", err)
	}
	for _, obs := range entries {
		if err := cw.Write(obs.Row()); err != nil {
			return nil, fmt.Errorf("write batch row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, fmt.Errorf("flush batch: %w", err)
	}
	return buf.Bytes(), nil
}

// parquetColumn maps a header label to a parquet-safe lowercase name.
func parquetColumn(label string) string {
	s := strings.ToLower(label)
	s = strings.ReplaceAll(s, ".", "_")
	return s
}

// parquetSchema builds the batch schema at runtime because the number of
// classification columns follows the configured threshold set.
func (w *S3Writer) parquetSchema() string {
	type field struct {
		Tag string `json:"Tag"`
	}
	type schema struct {
		Tag    string  `json:"Tag"`
		Fields []field `json:"Fields"`
	}

	s := schema{Tag: "name=observation, repetitiontype=REQUIRED"}
	utf8 := func(name string) field {
		return field{Tag: fmt.Sprintf("name=%s, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=REQUIRED", name)}
	}
	double := func(name string) field {
		return field{Tag: fmt.Sprintf("name=%s, type=DOUBLE, repetitiontype=REQUIRED", name)}
	}

	s.Fields = append(s.Fields,
		utf8("timestamp_utc"),
		utf8("market_id"),
		utf8("market_name"),
		double("yes_price"),
		double("no_price"),
		double("sum"),
		double("gap_from_one"),
	)
	for _, t := range w.thresholds {
		s.Fields = append(s.Fields, utf8(parquetColumn(t.Column())))
	}

	out, _ := json.Marshal(s)
	return string(out)
}

func (w *S3Writer) buildParquetObject(entries []models.Observation) ([]byte, error) {
	fw := newMemoryFileWriter()

	pw, err := parquetwriter.NewJSONWriter(w.parquetSchema(), fw, 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch w.config.Sink.S3.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, obs := range entries {
		rec := map[string]interface{}{
			"timestamp_utc": obs.Timestamp.UTC().Format(models.TimestampLayout),
			"market_id":     obs.MarketID,
			"market_name":   obs.MarketName,
			"yes_price":     obs.Yes.InexactFloat64(),
			"no_price":      obs.No.InexactFloat64(),
			"sum":           obs.Sum.InexactFloat64(),
			"gap_from_one":  obs.Gap.InexactFloat64(),
		}
		for _, f := range obs.Flags {
			rec[parquetColumn(f.Threshold.Column())] = f.Token()
		}

		encoded, err := json.Marshal(rec)
		if err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to encode parquet record: %w", err)
		}
		if err := pw.Write(string(encoded)); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}

	return fw.Bytes(), nil
}

func (w *S3Writer) upload(ctx context.Context, key string, data []byte) error {
	contentType := "text/csv"
	if w.config.Sink.S3.Format == "parquet" {
		contentType = "application/octet-stream"
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.config.Sink.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"polyflow-version": w.config.Polyflow.Version,
			"format":           w.config.Sink.S3.Format,
		},
	}

	if _, err := w.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", w.config.Sink.S3.Bucket, err)
	}
	return nil
}
