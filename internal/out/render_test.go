package out

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ggonzalez94/stakechat/internal/model"
	"github.com/shopspring/decimal"
)

func TestRenderJSONSelectResultsOnly(t *testing.T) {
	env := model.Envelope{
		Version: "v1",
		Success: true,
		Data:    []model.SubnetSummary{{Netuid: 31, TaoIn: decimal.RequireFromString("0.5"), RealizedPnL: decimal.RequireFromString("0.1")}},
		Meta:    model.EnvelopeMeta{Timestamp: time.Now()},
	}
	var buf bytes.Buffer
	if err := Render(&buf, env, Options{Mode: ModeJSON, Fields: []string{"netuid", "realized_pnl"}, ResultsOnly: true}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	var out []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if len(out) != 1 || out[0]["netuid"].(float64) != 31 || out[0]["realized_pnl"] != "0.1" {
		t.Fatalf("unexpected output: %s", buf.String())
	}
	if _, ok := out[0]["tao_in"]; ok {
		t.Fatalf("field projection failed: %s", buf.String())
	}
}

func TestRenderPlainFlattensNestedKeys(t *testing.T) {
	env := model.Envelope{
		Version: "v1",
		Success: true,
		Data:    map[string]any{"input": "stake 1 31", "intent": map[string]any{"kind": "stake", "netuid": 31}},
		Meta:    model.EnvelopeMeta{Command: "parse", Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
	}
	var buf bytes.Buffer
	if err := Render(&buf, env, Options{Mode: ModePlain}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	got := buf.String()
	for _, want := range []string{`data.input="stake 1 31"`, "data.intent.kind=stake", "data.intent.netuid=31", "meta.command=parse", "success=true"} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in %s", want, got)
		}
	}
}

func TestRenderPlainSliceOneLinePerItem(t *testing.T) {
	env := model.Envelope{
		Success: true,
		Data:    []model.DoctorCheck{{Name: "config", Status: model.CheckOK}, {Name: "chain", Status: model.CheckFail, Detail: "dial failed"}},
	}
	var buf bytes.Buffer
	if err := Render(&buf, env, Options{Mode: ModePlain, ResultsOnly: true}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", buf.String())
	}
	if lines[1] != `detail="dial failed" name=chain status=fail` {
		t.Fatalf("unexpected line %q", lines[1])
	}
}

func TestRenderEmptySlice(t *testing.T) {
	var buf bytes.Buffer
	if err := Render(&buf, model.Envelope{Data: []model.LedgerEntry{}}, Options{Mode: ModePlain, ResultsOnly: true}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Fatalf("unexpected output %q", buf.String())
	}
}
