// Package export writes harvested records to a blob store, one JSON object
// per record.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/wikiharvest/internal/harvest"
	"github.com/JakeFAU/wikiharvest/internal/hash/sha256"
)

const contentType = "application/json"

// BlobStore is the storage backend records are written to.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// document is the stored form of a record; BodySHA256 is the hex SHA-256
// of Body.
type document struct {
	harvest.Record
	BodySHA256 string `json:"body_sha256"`
}

// Writer implements harvest.RecordSink. Records are stored as
// <prefix>/<id>.json so a rerun overwrites the previous export.
type Writer struct {
	store  BlobStore
	prefix string
	hasher *sha256.Hasher
	logger *zap.Logger
}

var _ harvest.RecordSink = (*Writer)(nil)

// NewWriter builds a Writer over store.
func NewWriter(store BlobStore, prefix string, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		store:  store,
		prefix: strings.Trim(prefix, "/"),
		hasher: sha256.New(),
		logger: logger.Named("export"),
	}
}

// ObjectPath returns the object name of the record with the given id.
func (w *Writer) ObjectPath(id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("invalid record id %q", id)
	}
	return path.Join(w.prefix, id+".json"), nil
}

// WriteRecords stores every record. A failing record does not stop the
// others; all failures are joined into the returned error.
func (w *Writer) WriteRecords(ctx context.Context, source harvest.Source, records []harvest.Record) error {
	var errs []error
	written := 0
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := w.write(ctx, rec); err != nil {
			errs = append(errs, err)
			continue
		}
		written++
	}

	w.logger.Info("records exported",
		zap.String("source", source.Name),
		zap.Int("written", written),
		zap.Int("failed", len(records)-written),
	)
	return errors.Join(errs...)
}

func (w *Writer) write(ctx context.Context, rec harvest.Record) error {
	name, err := w.ObjectPath(rec.ID)
	if err != nil {
		return err
	}
	sum, err := w.hasher.Hash([]byte(rec.Body))
	if err != nil {
		return fmt.Errorf("hash record %s: %w", rec.ID, err)
	}
	data, err := json.MarshalIndent(document{Record: rec, BodySHA256: sum}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	uri, err := w.store.PutObject(ctx, name, contentType, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("store record %s: %w", rec.ID, err)
	}
	w.logger.Debug("record stored", zap.String("id", rec.ID), zap.String("uri", uri))
	return nil
}
