package segments

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Candidate is one loosely-typed segment object recovered from model output.
type Candidate map[string]any

// Attempt tries to recover candidates from raw model output. ok is false when
// the attempt found nothing it could use.
type Attempt func(raw string) (cands []Candidate, ok bool)

// Step names an Attempt for logging.
type Step struct {
	Name string
	Try  Attempt
}

// Ladder is tried in order; parsing stops at the first attempt that yields candidates.
var Ladder = []Step{
	{Name: "direct", Try: DirectJSON},
	{Name: "fenced", Try: FencedJSON},
	{Name: "first-array", Try: FirstArray},
	{Name: "objects", Try: ObjectScan},
	{Name: "fields", Try: FieldScan},
}

// DirectJSON parses the trimmed text as a JSON array of objects, or as an
// object wrapping such an array under "segments".
func DirectJSON(raw string) ([]Candidate, bool) {
	t := strings.TrimSpace(raw)
	if t == "" {
		return nil, false
	}
	var arr []Candidate
	if err := json.Unmarshal([]byte(t), &arr); err == nil {
		return arr, len(arr) > 0
	}
	var wrapped struct {
		Segments []Candidate `json:"segments"`
	}
	if err := json.Unmarshal([]byte(t), &wrapped); err == nil {
		return wrapped.Segments, len(wrapped.Segments) > 0
	}
	return nil, false
}

var fenceRE = regexp.MustCompile("(?s)```[A-Za-z]*\\s*(.*?)```")

// FencedJSON strips Markdown code fences and retries DirectJSON on each fenced block.
func FencedJSON(raw string) ([]Candidate, bool) {
	for _, m := range fenceRE.FindAllStringSubmatch(raw, -1) {
		if cands, ok := DirectJSON(m[1]); ok {
			return cands, true
		}
	}
	return nil, false
}

var (
	arrayGreedyRE = regexp.MustCompile(`(?s)\[\s*\{.*\}\s*\]`)
	arrayLazyRE   = regexp.MustCompile(`(?s)\[\s*\{.*?\}\s*\]`)
)

// FirstArray extracts the first array-shaped substring and parses it.
func FirstArray(raw string) ([]Candidate, bool) {
	for _, re := range []*regexp.Regexp{arrayGreedyRE, arrayLazyRE} {
		if m := re.FindString(raw); m != "" {
			if cands, ok := DirectJSON(m); ok {
				return cands, true
			}
		}
	}
	return nil, false
}

var (
	flatObjectRE = regexp.MustCompile(`(?s)\{[^{}]*\}`)
	titleKeyRE   = regexp.MustCompile(`"title"\s*:`)
	endKeyRE     = regexp.MustCompile(`"(?:end_time|endTime|end)"\s*:`)
)

// ObjectScan parses every flat object that carries a title and an end time,
// skipping the ones that are not valid JSON.
func ObjectScan(raw string) ([]Candidate, bool) {
	var out []Candidate
	for _, m := range flatObjectRE.FindAllString(raw, -1) {
		if !titleKeyRE.MatchString(m) || !endKeyRE.MatchString(m) {
			continue
		}
		var c Candidate
		if err := json.Unmarshal([]byte(m), &c); err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, len(out) > 0
}

var (
	titleFieldRE = regexp.MustCompile(`(?i)"?\btitle"?\s*[:=]\s*"((?:[^"\\]|\\.)*)"`)
	startFieldRE = regexp.MustCompile(`(?i)"?\bstart_?time"?\s*[:=]\s*"?([0-9][0-9:.]*)"?`)
	endFieldRE   = regexp.MustCompile(`(?i)"?\bend_?time"?\s*[:=]\s*"?([0-9][0-9:.]*)"?`)
	descFieldRE  = regexp.MustCompile(`(?i)"?\bdescription"?\s*[:=]\s*"((?:[^"\\]|\\.)*)"`)
)

// FieldScan captures title, start_time, end_time and description occurrences
// independently and zips them by position.
func FieldScan(raw string) ([]Candidate, bool) {
	titles := captures(titleFieldRE, raw)
	starts := captures(startFieldRE, raw)
	ends := captures(endFieldRE, raw)
	descs := captures(descFieldRE, raw)

	n := min(len(titles), len(starts), len(ends))
	if n == 0 {
		return nil, false
	}
	out := make([]Candidate, 0, n)
	for i := 0; i < n; i++ {
		c := Candidate{
			"title":      unescape(titles[i]),
			"start_time": starts[i],
			"end_time":   ends[i],
		}
		if i < len(descs) {
			c["description"] = unescape(descs[i])
		}
		out = append(out, c)
	}
	return out, true
}

func captures(re *regexp.Regexp, s string) []string {
	var out []string
	for _, m := range re.FindAllStringSubmatch(s, -1) {
		out = append(out, m[1])
	}
	return out
}

func unescape(s string) string {
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err != nil {
		return s
	}
	return out
}
