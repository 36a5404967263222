package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"brokergate/internal/domain"
)

// Compile-time interface check.
var _ FillArchive = (*ParquetStore)(nil)

// ParquetStore implements FillArchive using one Parquet file per trading day.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// FillRecord is the Parquet schema for an archived fill. Money is stored as
// decimal text so no precision is lost.
type FillRecord struct {
	ExecutionID  string `parquet:"execution_id"`
	OrderLocalID string `parquet:"order_local_id"`
	BrokerID     string `parquet:"broker_id"`
	Symbol       string `parquet:"symbol"`
	Side         string `parquet:"side"`
	Shares       int64  `parquet:"shares"`
	Price        string `parquet:"price"`
	Commission   string `parquet:"commission"`
	Timestamp    int64  `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
}

func toFillRecord(f domain.Fill) FillRecord {
	return FillRecord{
		ExecutionID:  f.ExecutionID,
		OrderLocalID: f.OrderLocalID,
		BrokerID:     f.BrokerID,
		Symbol:       f.Symbol,
		Side:         string(f.Side),
		Shares:       f.Shares,
		Price:        f.Price.String(),
		Commission:   f.Commission.String(),
		Timestamp:    f.Timestamp.UnixMilli(),
	}
}

func (r FillRecord) fill() (domain.Fill, error) {
	price, err := decimal.NewFromString(r.Price)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("fill %s price %q: %w", r.ExecutionID, r.Price, err)
	}
	comm := decimal.Zero
	if r.Commission != "" {
		if comm, err = decimal.NewFromString(r.Commission); err != nil {
			return domain.Fill{}, fmt.Errorf("fill %s commission %q: %w", r.ExecutionID, r.Commission, err)
		}
	}
	return domain.Fill{
		ExecutionID:  r.ExecutionID,
		OrderLocalID: r.OrderLocalID,
		BrokerID:     r.BrokerID,
		Symbol:       r.Symbol,
		Side:         domain.OrderSide(r.Side),
		Shares:       r.Shares,
		Price:        price,
		Commission:   comm,
		Timestamp:    time.UnixMilli(r.Timestamp).UTC(),
	}, nil
}

// ---------------------------------------------------------------------------
// FillArchive implementation
// ---------------------------------------------------------------------------

// WriteFills merges fills into the day's file at:
//
//	<DataDir>/fills/<YYYY-MM-DD>.parquet
//
// Records dedupe on execution ID, preferring the incoming record.
func (s *ParquetStore) WriteFills(_ context.Context, day string, fills []domain.Fill) error {
	if len(fills) == 0 {
		return nil
	}
	if _, err := time.Parse("2006-01-02", day); err != nil {
		return fmt.Errorf("invalid archive day %q: %w", day, err)
	}

	path := s.fillPath(day)
	existing, err := readParquetFile[FillRecord](path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("reading fills for %s: %w", day, err)
	}
	incoming := make([]FillRecord, len(fills))
	for i, f := range fills {
		incoming[i] = toFillRecord(f)
	}

	if err := writeParquetFile(path, mergeFillRecords(existing, incoming)); err != nil {
		return fmt.Errorf("writing fills for %s: %w", day, err)
	}
	return nil
}

// ReadFills returns the archived fills for day. A missing day is empty.
func (s *ParquetStore) ReadFills(_ context.Context, day string) ([]domain.Fill, error) {
	records, err := readParquetFile[FillRecord](s.fillPath(day))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading fills for %s: %w", day, err)
	}
	out := make([]domain.Fill, 0, len(records))
	for _, r := range records {
		f, err := r.fill()
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// Days lists the archived days.
func (s *ParquetStore) Days(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.DataDir, "fills"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var days []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".parquet") {
			continue
		}
		days = append(days, strings.TrimSuffix(name, ".parquet"))
	}
	sort.Strings(days)
	return days, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// fillPath returns the filesystem path for a day's fill archive.
func (s *ParquetStore) fillPath(day string) string {
	return filepath.Join(s.DataDir, "fills", day+".parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeFillRecords deduplicates fill records by execution ID, preferring new
// records over existing ones. Results are sorted by timestamp.
func mergeFillRecords(existing, incoming []FillRecord) []FillRecord {
	seen := make(map[string]FillRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.ExecutionID] = r
	}
	for _, r := range incoming {
		seen[r.ExecutionID] = r
	}

	merged := make([]FillRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Timestamp != merged[j].Timestamp {
			return merged[i].Timestamp < merged[j].Timestamp
		}
		return merged[i].ExecutionID < merged[j].ExecutionID
	})
	return merged
}
