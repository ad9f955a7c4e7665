package decision

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	reJSONFence  = regexp.MustCompile("(?s)```json\\s*(.*?)```")
	reAnyFence   = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)```")
	reTrailComma = regexp.MustCompile(`,\s*([\]}])`)
)

// Parse extracts a decision list and free-form reasoning from a raw LLM
// reply. It is a total function: malformed input produces an empty decision
// list with parse errors, never a panic or an error return.
func Parse(raw string) *ParsedResponse {
	out := &ParsedResponse{}

	jsonPart, thinking := locateArray(raw)
	out.Thinking = thinking
	if jsonPart == "" {
		out.ParseErrors = append(out.ParseErrors, "no JSON array found in reply")
		return out
	}
	out.RawJSON = jsonPart

	elements, err := parseArray(jsonPart)
	if err != nil {
		// One repair attempt: models frequently leave trailing commas.
		repaired := reTrailComma.ReplaceAllString(jsonPart, "$1")
		elements, err = parseArray(repaired)
		if err != nil {
			out.ParseErrors = append(out.ParseErrors, fmt.Sprintf("invalid JSON array: %v", err))
			return out
		}
		out.RawJSON = repaired
	}

	for i, el := range elements {
		d, problems := coerceDecision(el)
		if len(problems) > 0 {
			out.ParseErrors = append(out.ParseErrors, fmt.Sprintf("decision[%d]: %s", i, strings.Join(problems, "; ")))
			continue
		}
		out.Decisions = append(out.Decisions, d)
	}
	return out
}

// locateArray finds the decision JSON array and returns it along with the
// prose preceding it. Extraction preference: a ```json fence, then any fence
// whose content is bracketed by [ and ], then the widest [...] substring.
func locateArray(raw string) (jsonPart, thinking string) {
	if loc := reJSONFence.FindStringSubmatchIndex(raw); loc != nil {
		return strings.TrimSpace(raw[loc[2]:loc[3]]), strings.TrimSpace(raw[:loc[0]])
	}
	for _, loc := range reAnyFence.FindAllStringSubmatchIndex(raw, -1) {
		content := strings.TrimSpace(raw[loc[2]:loc[3]])
		if strings.HasPrefix(content, "[") && strings.HasSuffix(content, "]") {
			return content, strings.TrimSpace(raw[:loc[0]])
		}
	}
	start := strings.IndexByte(raw, '[')
	end := strings.LastIndexByte(raw, ']')
	if start >= 0 && end > start {
		return strings.TrimSpace(raw[start : end+1]), strings.TrimSpace(raw[:start])
	}
	return "", strings.TrimSpace(raw)
}

func parseArray(s string) ([]map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var elements []map[string]any
	if err := dec.Decode(&elements); err != nil {
		return nil, err
	}
	return elements, nil
}

// coerceDecision maps one raw JSON object onto a Decision, coercing loose
// field types and validating per the action class.
func coerceDecision(el map[string]any) (Decision, []string) {
	var problems []string

	d := Decision{
		Symbol:          asString(el["symbol"]),
		Action:          Action(strings.ToLower(asString(el["action"]))),
		Leverage:        int(asFloat(el["leverage"])),
		PositionSizeUSD: asFloat(el["position_size_usd"]),
		StopLoss:        asFloat(el["stop_loss"]),
		StopLossPct:     asFloat(el["stop_loss_pct"]),
		TakeProfit:      asFloat(el["take_profit"]),
		TakeProfitPct:   asFloat(el["take_profit_pct"]),
		Confidence:      int(asFloat(el["confidence"])),
		RiskUSD:         asFloat(el["risk_usd"]),
		Reasoning:       asString(el["reasoning"]),
	}

	// Absolute price beats percentage when the model supplies both.
	if d.StopLoss > 0 {
		d.StopLossPct = 0
	}
	if d.TakeProfit > 0 {
		d.TakeProfitPct = 0
	}

	if d.Symbol == "" {
		problems = append(problems, "symbol is required")
	}
	if !d.Action.Known() {
		problems = append(problems, fmt.Sprintf("unknown action %q", d.Action))
		return d, problems
	}
	if d.Action.IsOpen() {
		if d.Leverage <= 0 {
			problems = append(problems, "leverage must be positive")
		}
		if d.PositionSizeUSD <= 0 {
			problems = append(problems, "position_size_usd must be positive")
		}
		if d.Confidence < 0 || d.Confidence > 100 {
			problems = append(problems, "confidence must be 0-100")
		}
		if d.StopLoss < 0 || d.TakeProfit < 0 {
			problems = append(problems, "prices must be positive")
		}
	}
	return d, problems
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0
		}
		return f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0
		}
		return f
	case float64:
		return t
	default:
		return 0
	}
}
