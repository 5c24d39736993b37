package game

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/YSTCEnergyPtyLtd/power-terminal-container/internal/cycle"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeEngineStub drops an executable shell script into a temp dir and
// returns its path. Scripts stand in for the optimization model binary.
func writeEngineStub(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write engine stub: %v", err)
	}
	return path
}

func newTestInvoker(t *testing.T, command []string) *Invoker {
	t.Helper()
	iv, err := NewInvoker(Config{Command: command, Timeout: 5 * time.Second, TimeSlots: 3}, testLogger())
	if err != nil {
		t.Fatalf("invoker init failed: %v", err)
	}
	return iv
}

func ownerTable(m map[string]string) OwnerFunc {
	return func(key string) (string, bool) {
		owner, ok := m[key]
		return owner, ok
	}
}

func TestInvokeEmptySnapshotSkipsProcess(t *testing.T) {
	// A nonexistent binary proves the process is never launched.
	iv := newTestInvoker(t, []string{"/nonexistent/engine"})

	res, err := iv.Invoke(context.Background(), map[string]cycle.Submission{}, nil, ownerTable(nil))
	if err != nil {
		t.Fatalf("empty snapshot must not fail: %v", err)
	}
	if res.Decisions() != 0 {
		t.Fatalf("expected no decisions, got %d", res.Decisions())
	}
}

func TestInvokeDropsUnresolvableAndColliding(t *testing.T) {
	// Two decisions back, one per surviving record.
	stub := writeEngineStub(t, `echo '{"decisions":[`+
		`{"deviceId":0,"dc":[1,0,-1],"speed":[2,0,2],"cost":[0.1,0,0.1],"benefit":5},`+
		`{"deviceId":1,"dc":[0,0,0],"speed":[0,0,0],"cost":[0,0,0],"benefit":1}]}'`)
	iv := newTestInvoker(t, []string{stub})

	subs := map[string]cycle.Submission{
		"sn-1": {ExternalID: "7", Produce: []float64{1, 1, 1}},
		"sn-2": {ExternalID: "A", Produce: []float64{2, 2, 2}},
		"sn-3": {ExternalID: "7", Produce: []float64{3, 3, 3}}, // collides with sn-1
	}
	order := []string{"sn-1", "sn-2", "sn-3"}
	owners := ownerTable(map[string]string{"sn-1": "owner-1", "sn-2": "owner-2", "sn-3": "owner-2"})

	res, err := iv.Invoke(context.Background(), subs, order, owners)
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if len(res.ByOwner) != 2 {
		t.Fatalf("expected decisions under two owners, got %d", len(res.ByOwner))
	}
	first := res.ByOwner["owner-1"]
	if len(first) != 1 || first[0].OriginalID != "7" || first[0].DeviceKey != "sn-1" {
		t.Fatalf("owner-1 decisions wrong: %+v", first)
	}
	second := res.ByOwner["owner-2"]
	if len(second) != 1 || second[0].OriginalID != "A" {
		t.Fatalf("owner-2 decisions wrong: %+v", second)
	}
}

func TestInvokeScrapesNoisyStdout(t *testing.T) {
	stub := writeEngineStub(t, `echo "warming up"
echo '{"decisions":[{"deviceId":0,"dc":[1,0,-1],"speed":[2,0,2],"cost":[0.1,0,0.1],"benefit":5.0}]}'
echo "done"`)
	iv := newTestInvoker(t, []string{stub})

	subs := map[string]cycle.Submission{"sn-1": {ExternalID: "1", Produce: []float64{0, 0, 0}}}
	res, err := iv.Invoke(context.Background(), subs, []string{"sn-1"}, ownerTable(map[string]string{"sn-1": "owner-1"}))
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	decs := res.ByOwner["owner-1"]
	if len(decs) != 1 {
		t.Fatalf("expected exactly one decision, got %d", len(decs))
	}
	want := []Action{ActionCharge, ActionIdle, ActionDischarge}
	for i, code := range decs[0].DC {
		if got := ActionForCode(code); got != want[i] {
			t.Fatalf("slot %d: expected %s, got %s", i, want[i], got)
		}
	}
	if decs[0].Benefit != 5.0 {
		t.Fatalf("expected benefit 5.0, got %v", decs[0].Benefit)
	}
}

func TestInvokeTimeout(t *testing.T) {
	stub := writeEngineStub(t, "sleep 5")
	iv, err := NewInvoker(Config{Command: []string{stub}, Timeout: 200 * time.Millisecond, TimeSlots: 3}, testLogger())
	if err != nil {
		t.Fatalf("invoker init failed: %v", err)
	}

	subs := map[string]cycle.Submission{"sn-1": {ExternalID: "1"}}
	start := time.Now()
	_, err = iv.Invoke(context.Background(), subs, []string{"sn-1"}, ownerTable(map[string]string{"sn-1": "owner-1"}))
	if !errors.Is(err, ErrEngineTimeout) {
		t.Fatalf("expected ErrEngineTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("timed-out process not killed promptly, took %s", elapsed)
	}
}

func TestInvokeNonZeroExit(t *testing.T) {
	stub := writeEngineStub(t, `echo "model blew up" >&2
exit 3`)
	iv := newTestInvoker(t, []string{stub})

	subs := map[string]cycle.Submission{"sn-1": {ExternalID: "1"}}
	_, err := iv.Invoke(context.Background(), subs, []string{"sn-1"}, ownerTable(map[string]string{"sn-1": "owner-1"}))
	var exit *ExitError
	if !errors.As(err, &exit) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if exit.Code != 3 || exit.Stderr != "model blew up" {
		t.Fatalf("unexpected exit diagnostics: %+v", exit)
	}
}

func TestInvokeMissingEngine(t *testing.T) {
	iv := newTestInvoker(t, []string{"/nonexistent/engine"})

	subs := map[string]cycle.Submission{"sn-1": {ExternalID: "1"}}
	_, err := iv.Invoke(context.Background(), subs, []string{"sn-1"}, ownerTable(map[string]string{"sn-1": "owner-1"}))
	if !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("expected ErrEngineUnavailable, got %v", err)
	}
}

func TestInvokeSilentEngine(t *testing.T) {
	stub := writeEngineStub(t, `echo "no payload today"`)
	iv := newTestInvoker(t, []string{stub})

	subs := map[string]cycle.Submission{"sn-1": {ExternalID: "1"}}
	_, err := iv.Invoke(context.Background(), subs, []string{"sn-1"}, ownerTable(map[string]string{"sn-1": "owner-1"}))
	if !errors.Is(err, ErrNoOutput) {
		t.Fatalf("expected ErrNoOutput, got %v", err)
	}
}

func TestCanonicalizeRepairsProduce(t *testing.T) {
	iv := newTestInvoker(t, []string{"unused"})

	subs := map[string]cycle.Submission{
		"sn-short": {ExternalID: "1", Produce: []float64{4}},
		"sn-long":  {ExternalID: "2", Produce: []float64{1, 2, 3, 4, 5}},
		"sn-nil":   {ExternalID: "3"},
	}
	order := []string{"sn-short", "sn-long", "sn-nil"}
	owners := ownerTable(map[string]string{"sn-short": "o", "sn-long": "o", "sn-nil": "o"})

	records, index := iv.canonicalize(subs, order, owners)
	if len(records) != 3 || len(index) != 3 {
		t.Fatalf("shape repair must never drop records, got %d", len(records))
	}
	wants := [][]float64{{4, 0, 0}, {1, 2, 3}, {0, 0, 0}}
	for i, want := range wants {
		got := records[i].Produce
		if len(got) != len(want) {
			t.Fatalf("record %d: expected %v, got %v", i, want, got)
		}
		for j := range want {
			if got[j] != want[j] {
				t.Fatalf("record %d: expected %v, got %v", i, want, got)
			}
		}
	}
	for i, rec := range records {
		if rec.ID != i {
			t.Fatalf("dense ids must follow snapshot order, record %d has id %d", i, rec.ID)
		}
	}
}

func TestRemapDropsUnknownLocalIDs(t *testing.T) {
	iv := newTestInvoker(t, []string{"unused"})
	payload := &enginePayload{Decisions: []rawDecision{
		{DeviceID: 0, DC: []int{1}, Benefit: 2},
		{DeviceID: 9, DC: []int{1}},
		{DeviceID: -1, DC: []int{1}},
	}}
	index := []localDevice{{deviceKey: "sn-1", originalID: "7", ownerID: "owner-1"}}

	res := iv.remap(payload, index)
	if res.Decisions() != 1 {
		t.Fatalf("expected one surviving decision, got %d", res.Decisions())
	}
	if res.ByOwner["owner-1"][0].OriginalID != "7" {
		t.Fatalf("original id not restored: %+v", res.ByOwner["owner-1"][0])
	}
}
