package game

import (
	"errors"
	"testing"
)

func TestExtractObjectSkipsDiagnostics(t *testing.T) {
	out := "warming up\n{\"decisions\":[{\"deviceId\":0,\"dc\":[1,0,-1]}]}\ndone"
	obj, ok := extractObject(out)
	if !ok {
		t.Fatal("expected an object in mixed output")
	}
	if obj != `{"decisions":[{"deviceId":0,"dc":[1,0,-1]}]}` {
		t.Fatalf("unexpected extraction: %s", obj)
	}
}

func TestExtractObjectHandlesBracesInStrings(t *testing.T) {
	out := `log line {"note":"open { and close } inside","decisions":[]} trailing`
	obj, ok := extractObject(out)
	if !ok {
		t.Fatal("expected an object despite braces inside strings")
	}
	if obj != `{"note":"open { and close } inside","decisions":[]}` {
		t.Fatalf("unexpected extraction: %s", obj)
	}
}

func TestExtractObjectNone(t *testing.T) {
	if _, ok := extractObject("plain diagnostics, no payload"); ok {
		t.Fatal("expected no object")
	}
	if _, ok := extractObject("unbalanced { forever"); ok {
		t.Fatal("expected no object for an unterminated brace")
	}
}

func TestParseOutputTopLevelPayload(t *testing.T) {
	payload, err := parseOutput(`{"decisions":[{"deviceId":0,"dc":[1],"speed":[2],"cost":[0.5],"benefit":3}],"iteration":12,"benefit":3}`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(payload.Decisions) != 1 || payload.Iteration != 12 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestParseOutputFullResultWrapper(t *testing.T) {
	payload, err := parseOutput(`{"full_result":{"decisions":[{"deviceId":1,"dc":[0]}],"iteration":4}}`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(payload.Decisions) != 1 || payload.Decisions[0].DeviceID != 1 || payload.Iteration != 4 {
		t.Fatalf("wrapper payload not unwrapped: %+v", payload)
	}
}

func TestParseOutputNoPayload(t *testing.T) {
	if _, err := parseOutput("nothing structured here"); !errors.Is(err, ErrNoOutput) {
		t.Fatalf("expected ErrNoOutput, got %v", err)
	}
	if _, err := parseOutput("{not json}"); !errors.Is(err, ErrNoOutput) {
		t.Fatalf("expected ErrNoOutput for malformed object, got %v", err)
	}
}

func TestActionForCode(t *testing.T) {
	cases := []struct {
		code int
		want Action
	}{
		{1, ActionCharge},
		{3, ActionCharge},
		{-1, ActionDischarge},
		{-2, ActionDischarge},
		{0, ActionIdle},
	}
	for _, tc := range cases {
		if got := ActionForCode(tc.code); got != tc.want {
			t.Fatalf("code %d: expected %s, got %s", tc.code, tc.want, got)
		}
	}
	if got := ParseAction("defrost"); got != ActionUnknown {
		t.Fatalf("expected unknown action, got %s", got)
	}
}
