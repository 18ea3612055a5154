// Package record writes aggregated counter slots to parquet files.
package record

import (
	"fmt"
	"maps"
	"slices"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/unvariance/perfctr/pkg/aggregate"
)

// Row is one counter of one group within one slot
type Row struct {
	SlotStart int64  `parquet:"name=slot_start, type=INT64"`
	SlotEnd   int64  `parquet:"name=slot_end, type=INT64"`
	Key       int32  `parquet:"name=key, type=INT32"`
	Event     string `parquet:"name=event, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Count     int64  `parquet:"name=count, type=INT64"`
	Duration  int64  `parquet:"name=duration, type=INT64"`
}

// Writer appends slots to a parquet file
type Writer struct {
	file   source.ParquetFile
	pw     *writer.ParquetWriter
	events []string
	rows   int
}

// Create opens path for writing. events names the counters of every
// measurement, in position order.
func Create(path string, events []string) (*Writer, error) {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", path, err)
	}
	pw, err := writer.NewParquetWriter(fw, new(Row), 1)
	if err != nil {
		fw.Close()
		return nil, fmt.Errorf("creating parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	return &Writer{
		file:   fw,
		pw:     pw,
		events: slices.Clone(events),
	}, nil
}

// WriteSlot appends one row per group and counter of slot, groups in key order
func (w *Writer) WriteSlot(slot *aggregate.Slot) error {
	for _, key := range slices.Sorted(maps.Keys(slot.Aggregations)) {
		agg := slot.Aggregations[key]
		if len(agg.Counts) != len(w.events) {
			return fmt.Errorf("slot %d key %d: %d counts for %d events", slot.StartTime, key, len(agg.Counts), len(w.events))
		}
		for i, count := range agg.Counts {
			row := Row{
				SlotStart: int64(slot.StartTime),
				SlotEnd:   int64(slot.EndTime),
				Key:       int32(key),
				Event:     w.events[i],
				Count:     int64(count),
				Duration:  int64(agg.Duration),
			}
			if err := w.pw.Write(row); err != nil {
				return fmt.Errorf("writing row: %w", err)
			}
			w.rows++
		}
	}
	return nil
}

// Rows returns the number of rows written so far
func (w *Writer) Rows() int {
	return w.rows
}

// Close flushes pending rows and closes the file
func (w *Writer) Close() error {
	if err := w.pw.WriteStop(); err != nil {
		w.file.Close()
		return fmt.Errorf("flushing parquet file: %w", err)
	}
	return w.file.Close()
}
