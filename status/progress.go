package status

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Progress is either a bare percentage or a structured {percentage, log}
// report. It serializes back in the form it arrived in.
type Progress struct {
	Percentage float64
	Log        string
	Structured bool
}

// Percent returns a bare numeric progress.
func Percent(p float64) Progress {
	return Progress{Percentage: p}
}

// Report returns a structured progress carrying a log message.
func Report(p float64, log string) Progress {
	return Progress{Percentage: p, Log: log, Structured: true}
}

// FormatPercent renders p without trailing zeros, e.g. 40 or 12.5.
func FormatPercent(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}

type structuredProgress struct {
	Percentage *float64 `json:"percentage,omitempty"`
	Log        string   `json:"log,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (p Progress) MarshalJSON() ([]byte, error) {
	if !p.Structured {
		return json.Marshal(p.Percentage)
	}
	pct := p.Percentage
	return json.Marshal(structuredProgress{Percentage: &pct, Log: p.Log})
}

// UnmarshalJSON accepts a number, an object or null.
func (p *Progress) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*p = Progress{}
		return nil
	case data[0] == '{':
		var sp structuredProgress
		if err := json.Unmarshal(data, &sp); err != nil {
			return fmt.Errorf("invalid progress object: %w", err)
		}
		*p = Progress{Log: sp.Log, Structured: true}
		if sp.Percentage != nil {
			p.Percentage = *sp.Percentage
		}
		return nil
	default:
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("invalid progress value: %w", err)
		}
		*p = Percent(f)
		return nil
	}
}

// ParseProgress decodes a raw progress payload as sent by workers. The
// second result reports whether a structured payload carried a percentage.
func ParseProgress(raw json.RawMessage) (Progress, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		var sp structuredProgress
		if err := json.Unmarshal(raw, &sp); err != nil {
			return Progress{}, false, fmt.Errorf("invalid progress object: %w", err)
		}
		out := Progress{Log: sp.Log, Structured: true}
		if sp.Percentage != nil {
			out.Percentage = *sp.Percentage
		}
		return out, sp.Percentage != nil, nil
	}
	var p Progress
	if err := p.UnmarshalJSON(raw); err != nil {
		return Progress{}, false, err
	}
	return p, true, nil
}
