package s3blob

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/touchexec/internal/domain"
)

type memWriter struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func (w *memWriter) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.objects == nil {
		w.objects = map[string][]byte{}
		w.types = map[string]string{}
	}
	w.objects[path] = b
	w.types[path] = contentType
	return nil
}

type memAudit struct {
	events []string
}

func (a *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.events = append(a.events, event)
	return nil
}

func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func sampleReport() domain.ExecutionReport {
	started := time.Date(2025, 1, 17, 14, 30, 0, 0, time.UTC)
	return domain.ExecutionReport{
		State: domain.ExecutionState{
			ID: "e1", Symbol: "SPY   250117C00500000", Side: domain.SideBuy,
			TotalQuantity: 10, FilledQuantity: 10, Phase: domain.PhaseDone,
			Outcome: domain.OutcomeFilled, StartedAt: started,
		},
		Orders: []domain.OrderRecord{
			{OrderID: "o1", ExecutionID: "e1", Price: 1.25, Quantity: 10, FilledQuantity: 4, Status: domain.OrderStatusCanceled},
			{OrderID: "o2", ExecutionID: "e1", Price: 1.26, Quantity: 6, FilledQuantity: 6, Status: domain.OrderStatusFilled},
		},
		Events: []domain.Event{{Type: domain.EventDone, Message: "Order fully filled!"}},
	}
}

func TestArchiveReportRoundTrip(t *testing.T) {
	w, audit := &memWriter{}, &memAudit{}
	a := NewArchiver(w, audit, "/reports/", slog.New(slog.NewTextHandler(io.Discard, nil)))

	p, err := a.ArchiveReport(context.Background(), sampleReport())
	if err != nil {
		t.Fatalf("ArchiveReport: %v", err)
	}
	if p != "reports/2025/01/17/SPY_250117C00500000-e1.jsonl" {
		t.Fatalf("path = %q", p)
	}
	if w.types[p] != jsonlContentType {
		t.Fatalf("content type = %q", w.types[p])
	}
	if lines := strings.Count(string(w.objects[p]), "\n"); lines != 4 {
		t.Fatalf("lines = %d, want 4", lines)
	}
	if len(audit.events) != 1 || audit.events[0] != "archive.execution" {
		t.Fatalf("audit = %v", audit.events)
	}

	got, err := ReadReport(bytes.NewReader(w.objects[p]))
	if err != nil {
		t.Fatalf("ReadReport: %v", err)
	}
	if got.State.ID != "e1" || len(got.Orders) != 2 || got.Orders[1].OrderID != "o2" || len(got.Events) != 1 {
		t.Fatalf("report = %+v", got)
	}
}

func TestReadReportRequiresState(t *testing.T) {
	if _, err := ReadReport(strings.NewReader(`{"kind":"event","event":{"event":"done","message":"x","time":"2025-01-01T00:00:00Z"}}` + "\n")); err == nil {
		t.Fatal("report without state accepted")
	}
	if _, err := ReadReport(strings.NewReader("{not json\n")); err == nil {
		t.Fatal("garbage accepted")
	}
}

func TestNormaliseEndpoint(t *testing.T) {
	cases := map[string]string{
		"https://s3.example.com": "https://s3.example.com",
		"localhost:9000":         "https://localhost:9000",
		"minio.local":            "https://minio.local",
	}
	for in, want := range cases {
		if got := normaliseEndpoint(in, true); got != want {
			t.Errorf("normaliseEndpoint(%q) = %q, want %q", in, got, want)
		}
	}
	if got := normaliseEndpoint("minio:9000", false); got != "http://minio:9000" {
		t.Errorf("no-ssl = %q", got)
	}
}
