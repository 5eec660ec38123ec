package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/alanyoungcy/touchexec/internal/domain"
)

var _ domain.ReportArchiver = (*Archiver)(nil)

const jsonlContentType = "application/x-ndjson"

// Archiver uploads finished execution reports as JSONL: one "state" line,
// then one line per order and per event, each tagged with its kind.
//
//	{prefix}/2025/01/17/AAPL-<execution id>.jsonl
type Archiver struct {
	writer domain.BlobWriter
	audit  domain.AuditStore
	prefix string
	logger *slog.Logger
}

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(writer domain.BlobWriter, audit domain.AuditStore, prefix string, logger *slog.Logger) *Archiver {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "executions"
	}
	return &Archiver{
		writer: writer,
		audit:  audit,
		prefix: prefix,
		logger: logger.With(slog.String("component", "report_archiver")),
	}
}

// reportLine is one JSONL record; exactly one payload field is set.
type reportLine struct {
	Kind  string                 `json:"kind"`
	State *domain.ExecutionState `json:"state,omitempty"`
	Order *domain.OrderRecord    `json:"order,omitempty"`
	Event *domain.Event          `json:"event,omitempty"`
}

// ArchiveReport uploads report and returns its object path.
func (a *Archiver) ArchiveReport(ctx context.Context, report domain.ExecutionReport) (string, error) {
	buf, err := MarshalReport(report)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s: %w", report.State.ID, err)
	}

	p := a.ReportPath(report.State)
	if err := a.writer.Put(ctx, p, bytes.NewReader(buf), jsonlContentType); err != nil {
		return "", fmt.Errorf("s3blob: archive %s: %w", report.State.ID, err)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.execution", map[string]any{
			"execution_id": report.State.ID,
			"path":         p,
			"orders":       len(report.Orders),
			"events":       len(report.Events),
		}); err != nil {
			a.logger.WarnContext(ctx, "audit archive failed", slog.String("error", err.Error()))
		}
	}
	return p, nil
}

// ReportPath is the object key for an execution, partitioned by start date.
func (a *Archiver) ReportPath(st domain.ExecutionState) string {
	day := st.StartedAt.UTC().Format("2006/01/02")
	name := fmt.Sprintf("%s-%s.jsonl", safeKey(st.Symbol), st.ID)
	return path.Join(a.prefix, day, name)
}

// MarshalReport encodes report as JSONL.
func MarshalReport(report domain.ExecutionReport) ([]byte, error) {
	lines := make([]reportLine, 0, 1+len(report.Orders)+len(report.Events))
	lines = append(lines, reportLine{Kind: "state", State: &report.State})
	for i := range report.Orders {
		lines = append(lines, reportLine{Kind: "order", Order: &report.Orders[i]})
	}
	for i := range report.Events {
		lines = append(lines, reportLine{Kind: "event", Event: &report.Events[i]})
	}
	return marshalJSONL(lines)
}

// ReadReport decodes a report written by ArchiveReport.
func ReadReport(r io.Reader) (domain.ExecutionReport, error) {
	var report domain.ExecutionReport
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	seenState := false
	for n := 1; sc.Scan(); n++ {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var line reportLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			return report, fmt.Errorf("s3blob: report line %d: %w", n, err)
		}
		switch {
		case line.Kind == "state" && line.State != nil:
			report.State = *line.State
			seenState = true
		case line.Kind == "order" && line.Order != nil:
			report.Orders = append(report.Orders, *line.Order)
		case line.Kind == "event" && line.Event != nil:
			report.Events = append(report.Events, *line.Event)
		}
	}
	if err := sc.Err(); err != nil {
		return report, fmt.Errorf("s3blob: read report: %w", err)
	}
	if !seenState {
		return report, fmt.Errorf("s3blob: read report: no state line")
	}
	return report, nil
}

// ---- Internal helpers ----

// marshalJSONL writes each record as one compact JSON line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// safeKey keeps option symbols (which contain spaces) readable in keys.
func safeKey(symbol string) string {
	return strings.Join(strings.Fields(symbol), "_")
}
