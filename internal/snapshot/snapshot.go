// Package snapshot encodes annual tables and persists them through blob
// stores, with optional mirrors and a relational row store.
package snapshot

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/stayprice-crawler/internal/hash/sha256"
	"github.com/JakeFAU/stayprice-crawler/internal/pricing"
)

// Format selects the snapshot encoding.
type Format string

// Supported formats.
const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// TimestampLayout is the run timestamp embedded in snapshot names.
const TimestampLayout = "20060102_150405"

// Columns is the header of CSV snapshots, in order.
var Columns = []string{
	"month", "month_name", "avg_price", "median_price", "min_price", "max_price",
	"sample_size", "check_in", "check_out",
}

// BlobStore persists encoded snapshots.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// RowStore records snapshot rows in a queryable table.
type RowStore interface {
	StoreSnapshot(ctx context.Context, snap pricing.Snapshot, ref pricing.SnapshotRef) error
}

// Config controls naming and encoding.
type Config struct {
	Format Format `mapstructure:"format"`
	// Prefix is prepended to every object path.
	Prefix string `mapstructure:"prefix"`
}

// Validate rejects unknown formats.
func (c Config) Validate() error {
	switch c.Format {
	case FormatCSV, FormatJSON:
		return nil
	default:
		return fmt.Errorf("unknown snapshot format %q", c.Format)
	}
}

// Writer implements pricing.SnapshotWriter. The primary store must succeed;
// mirrors and the row store are best effort.
type Writer struct {
	cfg     Config
	primary BlobStore
	mirrors []BlobStore
	rows    RowStore
	logger  *zap.Logger
}

// NewWriter builds a Writer around primary.
func NewWriter(cfg Config, primary BlobStore, logger *zap.Logger) (*Writer, error) {
	if cfg.Format == "" {
		cfg.Format = FormatCSV
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if primary == nil {
		return nil, errors.New("snapshot writer requires a primary blob store")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{cfg: cfg, primary: primary, logger: logger}, nil
}

// WithMirror adds a secondary blob store.
func (w *Writer) WithMirror(store BlobStore) *Writer {
	if store != nil {
		w.mirrors = append(w.mirrors, store)
	}
	return w
}

// WithRows adds a row store.
func (w *Writer) WithRows(rows RowStore) *Writer {
	w.rows = rows
	return w
}

// Write encodes snap and stores it under its deterministic name.
func (w *Writer) Write(ctx context.Context, snap pricing.Snapshot) (pricing.SnapshotRef, error) {
	if len(snap.Table.Rows) == 0 {
		return pricing.SnapshotRef{}, pricing.ErrEmptySummary
	}
	data, contentType, err := Encode(w.cfg.Format, snap)
	if err != nil {
		return pricing.SnapshotRef{}, err
	}
	objectPath := ObjectPath(w.cfg.Prefix, snap, w.cfg.Format)

	uri, err := w.primary.PutObject(ctx, objectPath, contentType, bytes.NewReader(data))
	if err != nil {
		return pricing.SnapshotRef{}, fmt.Errorf("put snapshot %s: %w", objectPath, err)
	}
	ref := pricing.SnapshotRef{URI: uri, SHA256: sha256.Digest(data), Bytes: len(data)}

	for _, mirror := range w.mirrors {
		mirrorURI, err := mirror.PutObject(ctx, objectPath, contentType, bytes.NewReader(data))
		if err != nil {
			w.logger.Warn("snapshot mirror failed", zap.String("path", objectPath), zap.Error(err))
			continue
		}
		w.logger.Debug("snapshot mirrored", zap.String("uri", mirrorURI))
	}
	if w.rows != nil {
		if err := w.rows.StoreSnapshot(ctx, snap, ref); err != nil {
			w.logger.Warn("snapshot rows not stored", zap.String("run_id", snap.RunID), zap.Error(err))
		}
	}
	w.logger.Info("snapshot written",
		zap.String("uri", uri),
		zap.String("sha256", ref.SHA256),
		zap.Int("rows", len(snap.Table.Rows)),
	)
	return ref, nil
}

// Name returns "<destination>_<year>_<timestamp>.<ext>".
func Name(snap pricing.Snapshot, format Format) string {
	dest := strings.ReplaceAll(pricing.Slug(snap.Table.Destination), "-", "_")
	return fmt.Sprintf("%s_%d_%s.%s", dest, snap.Table.Year, snap.CreatedAt.UTC().Format(TimestampLayout), format)
}

// ObjectPath joins prefix and Name.
func ObjectPath(prefix string, snap pricing.Snapshot, format Format) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return Name(snap, format)
	}
	return path.Join(prefix, Name(snap, format))
}

// Encode renders snap in format and returns the payload and its content type.
func Encode(format Format, snap pricing.Snapshot) ([]byte, string, error) {
	switch format {
	case FormatCSV:
		data, err := encodeCSV(snap.Table)
		return data, "text/csv; charset=utf-8", err
	case FormatJSON:
		data, err := json.MarshalIndent(document{
			RunID:       snap.RunID,
			Destination: snap.Table.Destination,
			Year:        snap.Table.Year,
			CreatedAt:   snap.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
			Rows:        snap.Table.Rows,
		}, "", "  ")
		if err != nil {
			return nil, "", fmt.Errorf("encode json snapshot: %w", err)
		}
		return data, "application/json", nil
	default:
		return nil, "", fmt.Errorf("unknown snapshot format %q", format)
	}
}

type document struct {
	RunID       string                 `json:"run_id"`
	Destination string                 `json:"destination"`
	Year        int                    `json:"year"`
	CreatedAt   string                 `json:"created_at"`
	Rows        []pricing.MonthSummary `json:"rows"`
}

func encodeCSV(table pricing.AnnualTable) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(Columns); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, row := range table.Rows {
		record := []string{
			strconv.Itoa(row.Month),
			row.MonthName,
			formatPrice(row.AvgPrice),
			formatPrice(row.MedianPrice),
			formatPrice(row.MinPrice),
			formatPrice(row.MaxPrice),
			strconv.Itoa(row.SampleSize),
			row.CheckIn,
			row.CheckOut,
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("write csv row for month %d: %w", row.Month, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
