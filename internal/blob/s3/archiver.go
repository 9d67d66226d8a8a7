package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

const (
	parquetContentType = "application/vnd.apache.parquet"
	defaultBatchSize   = 5000
)

// ArchiverConfig controls how records are exported.
type ArchiverConfig struct {
	// BatchSize caps the records in one parquet part.
	BatchSize int
	// Prune deletes records from the primary store once their part is
	// uploaded and verified.
	Prune bool
}

// ArchiveImpl implements domain.Archiver. It exports execution records
// older than a cutoff as parquet parts under
// archive/executions/YYYY-MM/part-NNNN.parquet.
type ArchiveImpl struct {
	writer  domain.BlobWriter
	reader  domain.BlobReader
	records domain.ExecutionStore
	audit   domain.AuditStore
	cfg     ArchiverConfig
	logger  *slog.Logger
}

// NewArchiver creates an ArchiveImpl.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	records domain.ExecutionStore,
	audit domain.AuditStore,
	cfg ArchiverConfig,
	logger *slog.Logger,
) *ArchiveImpl {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &ArchiveImpl{
		writer:  writer,
		reader:  reader,
		records: records,
		audit:   audit,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "archive")),
	}
}

// ArchiveExecutions uploads records older than before and returns how many
// were written. Without pruning a single part of at most BatchSize records
// is written; with pruning parts are written until nothing older remains.
func (a *ArchiveImpl) ArchiveExecutions(ctx context.Context, before time.Time) (int64, error) {
	prefix := partitionPrefix(before)
	next, err := a.nextPart(ctx, prefix)
	if err != nil {
		return 0, err
	}

	var total int64
	for {
		// One extra record tells a full page from the last one.
		recs, err := a.records.ListBefore(ctx, before, a.cfg.BatchSize+1)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive executions query: %w", err)
		}
		if len(recs) == 0 {
			break
		}
		page, cutoff := recs, before
		if len(recs) > a.cfg.BatchSize {
			cutoff = recs[a.cfg.BatchSize].Timestamp
			page = olderThan(recs[:a.cfg.BatchSize], cutoff)
			if len(page) == 0 {
				a.logger.WarnContext(ctx, "archive batch shares one timestamp, raise batch size",
					slog.Time("timestamp", cutoff), slog.Int("batch_size", a.cfg.BatchSize))
				break
			}
		}

		key := fmt.Sprintf("%spart-%04d.parquet", prefix, next)
		if err := a.upload(ctx, key, page); err != nil {
			return total, err
		}
		next++
		total += int64(len(page))

		if err := a.audit.Log(ctx, "archive.executions", map[string]any{
			"path":   key,
			"count":  len(page),
			"before": before.UTC().Format(time.RFC3339),
		}); err != nil {
			return total, fmt.Errorf("s3blob: archive audit log: %w", err)
		}
		a.logger.InfoContext(ctx, "archived execution records",
			slog.String("path", key), slog.Int("count", len(page)))

		if !a.cfg.Prune {
			break
		}
		if _, err := a.records.DeleteBefore(ctx, cutoff); err != nil {
			return total, fmt.Errorf("s3blob: archive prune: %w", err)
		}
		if cutoff.Equal(before) {
			break
		}
	}
	return total, nil
}

func (a *ArchiveImpl) upload(ctx context.Context, key string, recs []domain.ExecutionRecord) error {
	data, err := EncodeExecutions(recs)
	if err != nil {
		return err
	}
	if err := a.writer.Put(ctx, key, bytes.NewReader(data), parquetContentType); err != nil {
		return fmt.Errorf("s3blob: archive upload: %w", err)
	}
	ok, err := a.reader.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("s3blob: archive verify: %w", err)
	}
	if !ok {
		return fmt.Errorf("s3blob: archive verify %s: object missing after upload", key)
	}
	return nil
}

// olderThan returns the leading records of recs (sorted oldest first) whose
// timestamp is before t.
func olderThan(recs []domain.ExecutionRecord, t time.Time) []domain.ExecutionRecord {
	n := 0
	for n < len(recs) && recs[n].Timestamp.Before(t) {
		n++
	}
	return recs[:n]
}

// nextPart returns the part number after the highest one under prefix.
func (a *ArchiveImpl) nextPart(ctx context.Context, prefix string) (int, error) {
	infos, err := a.reader.List(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive list parts: %w", err)
	}
	next := 0
	for _, info := range infos {
		name := strings.TrimSuffix(strings.TrimPrefix(path.Base(info.Path), "part-"), ".parquet")
		if n, err := strconv.Atoi(name); err == nil && n >= next {
			next = n + 1
		}
	}
	return next, nil
}

var _ domain.Archiver = (*ArchiveImpl)(nil)
