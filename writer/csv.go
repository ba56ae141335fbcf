package writer

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"polyflow/logger"
	"polyflow/models"
)

// CSVWriter is the durable flat-file backend. Rows are appended in arrival
// order under a mutex so concurrent callers can never interleave a row. The
// header is written only when the file is created, so restarts keep
// accumulating into the same file.
type CSVWriter struct {
	path       string
	thresholds models.ThresholdSet
	mu         sync.Mutex
	file       *os.File
	csv        *csv.Writer
	log        *logger.Log
}

func NewCSVWriter(path string, thresholds models.ThresholdSet) (*CSVWriter, error) {
	log := logger.GetLogger()

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open csv file %s: %w", path, err)
	}

	w := &CSVWriter{
		path:       path,
		thresholds: thresholds,
		file:       file,
		csv:        csv.NewWriter(file),
		log:        log,
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat csv file %s: %w", path, err)
	}
	if info.Size() == 0 {
		if err := w.writeHeader(); err != nil {
			file.Close()
			return nil, err
		}
		log.WithComponent("csv_sink").WithFields(logger.Fields{"path": path}).Info("created csv file")
	}

	log.WithComponent("csv_sink").WithFields(logger.Fields{
		"path":    path,
		"columns": len(models.Header(thresholds)),
	}).Info("csv sink initialized")

	return w, nil
}

func (w *CSVWriter) writeHeader() error {
	if err := w.csv.Write(models.Header(w.thresholds)); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return fmt.Errorf("flush csv header: %w", err)
	}
	return nil
}

// Append writes one observation row and flushes it to the file so a crash
// loses at most the row being written.
func (w *CSVWriter) Append(obs models.Observation) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	row := obs.Row()
	if err := w.csv.Write(row); err != nil {
		return fmt.Errorf("write csv row: %w", err)
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return fmt.Errorf("flush csv row: %w", err)
	}

	logger.IncrementCSVWrite(len(row))
	return nil
}

func (w *CSVWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// Path returns the configured output file path.
func (w *CSVWriter) Path() string {
	return w.path
}
