package game

import (
	"encoding/json"
	"fmt"
)

// rawDecision mirrors one entry of the engine's decisions array before
// its local id is mapped back to a device.
type rawDecision struct {
	DeviceID int       `json:"deviceId"`
	DC       []int     `json:"dc"`
	Speed    []float64 `json:"speed"`
	Cost     []float64 `json:"cost"`
	Benefit  float64   `json:"benefit"`
}

type enginePayload struct {
	Decisions       []rawDecision `json:"decisions"`
	Iteration       int           `json:"iteration"`
	TimeConsumption float64       `json:"timeConsumption"`
	Benefit         float64       `json:"benefit"`
	Cost            float64       `json:"cost"`
	Revenue         float64       `json:"revenue"`
}

// engineEnvelope accepts both output shapes the model has shipped with:
// the payload at the top level, or nested under full_result.
type engineEnvelope struct {
	enginePayload
	FullResult *enginePayload `json:"full_result"`
}

// extractObject scans combined process output for the first top-level
// JSON object. The engine prints human diagnostics before and after the
// payload, so plain unmarshalling of stdout is never safe. String
// literals are tracked so braces inside them do not unbalance the scan.
func extractObject(out string) (string, bool) {
	depth := 0
	start := -1
	inString := false
	escaped := false
	for i := 0; i < len(out); i++ {
		c := out[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				return out[start : i+1], true
			}
		}
	}
	return "", false
}

// parseOutput extracts and decodes the engine payload from raw stdout.
func parseOutput(stdout string) (*enginePayload, error) {
	obj, ok := extractObject(stdout)
	if !ok {
		return nil, ErrNoOutput
	}
	var env engineEnvelope
	if err := json.Unmarshal([]byte(obj), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoOutput, err)
	}
	payload := env.enginePayload
	if env.FullResult != nil {
		payload = *env.FullResult
	}
	return &payload, nil
}
