package llm

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

var errNoJSON = errors.New("no JSON object found in response")

// ExtractJSON returns the first balanced JSON object in s. Braces inside string
// literals are ignored, so fenced or chatty model output still parses.
func ExtractJSON(s string) (string, error) {
	start, depth := -1, 0
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
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
			if depth > 0 {
				depth--
				if depth == 0 {
					return s[start : i+1], nil
				}
			}
		}
	}
	return "", errNoJSON
}

func decode(resp string, out any) error {
	raw, err := ExtractJSON(resp)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), out)
}

// flexFloat accepts numbers, numeric strings and percentages.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	var n float64
	if err := json.Unmarshal(b, &n); err == nil {
		*f = flexFloat(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		*f = 0
		return nil
	}
	s = strings.TrimSpace(s)
	pct := strings.HasSuffix(s, "%")
	v, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
	if err != nil {
		*f = 0
		return nil
	}
	if pct {
		v /= 100
	}
	*f = flexFloat(v)
	return nil
}

// flexBool accepts booleans and yes/no style strings. Anything else is false.
type flexBool bool

func (f *flexBool) UnmarshalJSON(b []byte) error {
	var v bool
	if err := json.Unmarshal(b, &v); err == nil {
		*f = flexBool(v)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		*f = false
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "y", "1":
		*f = true
	default:
		*f = false
	}
	return nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
