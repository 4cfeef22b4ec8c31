package testutils

import (
	"encoding/json"

	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// JSONWildcard in an expected document matches any present value, so a
// shape assertion can name a volatile field (handles, refs, timestamps)
// without pinning it.
const JSONWildcard = "<<any>>"

// AssertJSONShape marshals got and checks it against the expected JSON
// document. The expectation pins exactly what it names: object keys absent
// from it are ignored, and JSONWildcard values only require presence.
// Mismatches are reported as a structural diff. Returns true when the
// shapes agree.
func AssertJSONShape(t TestingT, got any, want string) bool {
	raw, err := json.Marshal(got)
	if err != nil {
		t.Errorf("value not representable as JSON: %v", err)
		return false
	}
	var actual, expected any
	if err := json.Unmarshal(raw, &actual); err != nil {
		t.Errorf("marshaled value did not round-trip: %v", err)
		return false
	}
	if err := json.Unmarshal([]byte(want), &expected); err != nil {
		t.Errorf("malformed expected JSON: %v", err)
		return false
	}

	alignShape(expected, actual)

	// gojsondiff compares objects only, so both documents ride in a
	// single-key wrapper.
	wantBytes, _ := json.Marshal(map[string]any{"v": expected})
	gotBytes, _ := json.Marshal(map[string]any{"v": actual})
	diff, err := gojsondiff.New().Compare(wantBytes, gotBytes)
	if err != nil {
		t.Errorf("JSON comparison failed: %v", err)
		return false
	}
	if !diff.Modified() {
		return true
	}

	var root map[string]any
	_ = json.Unmarshal(wantBytes, &root)
	f := formatter.NewAsciiFormatter(root, formatter.AsciiFormatterConfig{ShowArrayIndex: true})
	text, _ := f.Format(diff)
	t.Errorf("JSON shape mismatch:\n%s", text)
	return false
}

// alignShape mutates both documents in place: wildcards in want adopt the
// corresponding actual value, and object keys want does not mention are
// dropped from got. Whatever disagreement survives is a real mismatch.
func alignShape(want, got any) {
	switch w := want.(type) {
	case map[string]any:
		g, ok := got.(map[string]any)
		if !ok {
			return
		}
		for k := range g {
			if _, named := w[k]; !named {
				delete(g, k)
			}
		}
		for k, wv := range w {
			gv, present := g[k]
			if wv == JSONWildcard {
				if present {
					w[k] = gv
				}
				continue
			}
			alignShape(wv, gv)
		}
	case []any:
		g, ok := got.([]any)
		if !ok {
			return
		}
		for i, wv := range w {
			if i >= len(g) {
				return
			}
			if wv == JSONWildcard {
				w[i] = g[i]
				continue
			}
			alignShape(wv, g[i])
		}
	}
}
