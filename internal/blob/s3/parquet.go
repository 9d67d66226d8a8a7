package s3blob

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// executionRow is the parquet layout of an archived execution record.
// Amounts stay base-10 strings so no precision is lost.
type executionRow struct {
	ID              string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	AttemptID       string `parquet:"name=attempt_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Asset           string `parquet:"name=asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	AmountIn        string `parquet:"name=amount_in, type=BYTE_ARRAY, convertedtype=UTF8"`
	Premium         string `parquet:"name=premium, type=BYTE_ARRAY, convertedtype=UTF8"`
	Profit          string `parquet:"name=profit, type=BYTE_ARRAY, convertedtype=UTF8"`
	PerHopAmounts   string `parquet:"name=per_hop_amounts, type=BYTE_ARRAY, convertedtype=UTF8"`
	Succeeded       bool   `parquet:"name=succeeded, type=BOOLEAN"`
	RejectionReason string `parquet:"name=rejection_reason, type=BYTE_ARRAY, convertedtype=UTF8"`
	OffendingGuard  string `parquet:"name=offending_guard, type=BYTE_ARRAY, convertedtype=UTF8"`
	FailedHop       int32  `parquet:"name=failed_hop, type=INT32"`
	Shortfall       string `parquet:"name=shortfall, type=BYTE_ARRAY, convertedtype=UTF8"`
	CostEstimate    string `parquet:"name=cost_estimate, type=BYTE_ARRAY, convertedtype=UTF8"`
	RulesetVersion  int64  `parquet:"name=ruleset_version, type=INT64"`
	Caller          string `parquet:"name=caller, type=BYTE_ARRAY, convertedtype=UTF8"`
	TimestampMillis int64  `parquet:"name=timestamp_millis, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Signature       string `parquet:"name=signature, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func toRow(rec domain.ExecutionRecord) executionRow {
	hops := make([]string, len(rec.PerHopAmounts))
	for i, h := range rec.PerHopAmounts {
		hops[i] = domain.FormatAmount(h)
	}
	return executionRow{
		ID:              rec.ID,
		AttemptID:       rec.AttemptID,
		Asset:           rec.Asset.Hex(),
		AmountIn:        domain.FormatAmount(rec.AmountIn),
		Premium:         domain.FormatAmount(rec.Premium),
		Profit:          domain.FormatAmount(rec.Profit),
		PerHopAmounts:   strings.Join(hops, ","),
		Succeeded:       rec.Succeeded,
		RejectionReason: rec.RejectionReason,
		OffendingGuard:  rec.OffendingGuard,
		FailedHop:       int32(rec.FailedHop),
		Shortfall:       domain.FormatAmount(rec.Shortfall),
		CostEstimate:    domain.FormatAmount(rec.CostEstimate),
		RulesetVersion:  int64(rec.RulesetVersion),
		Caller:          rec.Caller.Hex(),
		TimestampMillis: rec.Timestamp.UnixMilli(),
		Signature:       fmt.Sprintf("%x", rec.Signature),
	}
}

// EncodeExecutions writes recs as one snappy-compressed parquet file.
func EncodeExecutions(recs []domain.ExecutionRecord) ([]byte, error) {
	var buf bytes.Buffer
	pw, err := writer.NewParquetWriter(writerfile.NewWriterFile(&buf), new(executionRow), 1)
	if err != nil {
		return nil, fmt.Errorf("s3blob: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for i := range recs {
		row := toRow(recs[i])
		if err := pw.Write(&row); err != nil {
			_ = pw.WriteStop()
			return nil, fmt.Errorf("s3blob: parquet write %s: %w", recs[i].ID, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("s3blob: parquet flush: %w", err)
	}
	return buf.Bytes(), nil
}

// partitionPrefix is the month partition an archive cutoff falls in.
func partitionPrefix(before time.Time) string {
	return "archive/executions/" + before.UTC().Format("2006-01") + "/"
}
