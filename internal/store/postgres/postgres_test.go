package postgres

import (
	"reflect"
	"testing"
	"time"

	"github.com/alanyoungcy/touchexec/internal/domain"
)

func TestDSN(t *testing.T) {
	got := DSN(ClientConfig{Host: "db", User: "exec", Password: "p@ss", Database: "touchexec"})
	want := "postgres://exec:p%40ss@db:5432/touchexec?sslmode=disable"
	if got != want {
		t.Fatalf("DSN = %q, want %q", got, want)
	}
	if got := DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}); got != "postgres://x" {
		t.Fatalf("explicit DSN = %q", got)
	}
}

func TestListQuery(t *testing.T) {
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q, args := listQuery("SELECT * FROM t WHERE a = $1", "started_at", []any{"x"},
		domain.ListOpts{Since: &since, Limit: 10, Offset: 20})

	wantQ := "SELECT * FROM t WHERE a = $1 AND started_at >= $2 ORDER BY started_at DESC LIMIT $3 OFFSET $4"
	if q != wantQ {
		t.Fatalf("query = %q", q)
	}
	if !reflect.DeepEqual(args, []any{"x", since, 10, 20}) {
		t.Fatalf("args = %v", args)
	}

	q, args = listQuery("SELECT 1 WHERE TRUE", "created_at", nil, domain.ListOpts{})
	if q != "SELECT 1 WHERE TRUE ORDER BY created_at DESC" || len(args) != 0 {
		t.Fatalf("empty opts = %q %v", q, args)
	}
}

func TestMigrationsAreOrdered(t *testing.T) {
	names, err := migrationNames()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"001_executions.sql", "002_orders.sql", "003_audit_log.sql"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("migrations = %v", names)
	}
}
