package dispatch

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Envelope is the structured result of an analyze call.
type Envelope struct {
	Summary         string   `json:"summary"`
	Insights        []string `json:"insights"`
	Recommendations []string `json:"recommendations"`
	RiskLevel       *string  `json:"risk_level"`
	Confidence      *float64 `json:"confidence"`
	ChartsSuggested []string `json:"charts_suggested"`
	Raw             string   `json:"raw"`
}

// The only risk levels the envelope admits.
const (
	RiskLow    = "低风险"
	RiskMedium = "中等风险"
	RiskHigh   = "高风险"
)

var fencedJSONRE = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ParseEnvelope turns the model's final prose into an Envelope. A fenced
// JSON block matching the envelope shape wins; otherwise sections are
// extracted heuristically from the Chinese headings the prompt asks for.
// Unextracted fields stay null or empty.
func ParseEnvelope(raw string) *Envelope {
	if env, ok := parseFencedJSON(raw); ok {
		env.Raw = raw
		return env
	}
	env := parseHeuristic(raw)
	env.Raw = raw
	return env
}

func parseFencedJSON(raw string) (*Envelope, bool) {
	for _, m := range fencedJSONRE.FindAllStringSubmatch(raw, -1) {
		var env Envelope
		if err := json.Unmarshal([]byte(m[1]), &env); err != nil {
			continue
		}
		if env.Summary == "" && len(env.Insights) == 0 && len(env.Recommendations) == 0 {
			continue
		}
		env.RiskLevel = validRisk(env.RiskLevel)
		env.Confidence = clampConfidence(env.Confidence)
		return &env, true
	}
	return nil, false
}

type sectionKind int

const (
	sectionNone sectionKind = iota
	sectionSummary
	sectionInsights
	sectionRecommendations
	sectionRisk
	sectionConfidence
)

var sectionHeadings = []struct {
	kind  sectionKind
	marks []string
}{
	{sectionSummary, []string{"摘要", "总结"}},
	{sectionInsights, []string{"洞察", "分析", "发现"}},
	{sectionRecommendations, []string{"建议", "推荐"}},
	{sectionConfidence, []string{"置信度"}},
	{sectionRisk, []string{"风险"}},
}

var confidenceRE = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%?`)

func parseHeuristic(raw string) *Envelope {
	env := &Envelope{}
	section := sectionNone
	var summary []string

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if kind, rest, ok := matchHeading(line); ok {
			section = kind
			line = rest
			if line == "" {
				continue
			}
		}

		switch section {
		case sectionSummary:
			summary = append(summary, stripBullet(line))
		case sectionInsights:
			env.Insights = append(env.Insights, stripBullet(line))
		case sectionRecommendations:
			env.Recommendations = append(env.Recommendations, stripBullet(line))
		case sectionRisk:
			if lvl := extractRisk(line); lvl != nil {
				env.RiskLevel = lvl
			}
		case sectionConfidence:
			if c := extractConfidence(line); c != nil {
				env.Confidence = c
			}
		}

		// Risk and confidence also appear inline in other sections.
		if env.RiskLevel == nil && section != sectionRisk {
			env.RiskLevel = extractRisk(line)
		}
	}

	env.Summary = strings.Join(summary, " ")
	if env.Summary == "" && len(env.Insights) == 0 && len(env.Recommendations) == 0 {
		// No recognizable structure at all: the whole text is the summary.
		env.Summary = strings.TrimSpace(raw)
	}
	return env
}

// matchHeading detects a section heading and returns any trailing text
// after the heading's colon.
func matchHeading(line string) (sectionKind, string, bool) {
	probe := strings.TrimLeft(line, "#*-• \t0123456789.、")
	for _, h := range sectionHeadings {
		for _, mark := range h.marks {
			if !strings.HasPrefix(probe, mark) {
				continue
			}
			rest := probe[len(mark):]
			// A heading ends in a colon or is the whole line; a mere
			// mention mid-sentence is not a heading.
			rest = strings.TrimLeft(rest, "分析报告") // "风险分析", "建议分析" style
			if rest == "" {
				return h.kind, "", true
			}
			if strings.HasPrefix(rest, ":") || strings.HasPrefix(rest, "：") {
				return h.kind, strings.TrimSpace(strings.TrimLeft(rest, ":：")), true
			}
		}
	}
	return sectionNone, "", false
}

func stripBullet(line string) string {
	line = strings.TrimLeft(line, "-*• \t")
	// Numbered list markers: "1." / "1、"
	for i, r := range line {
		if r >= '0' && r <= '9' {
			continue
		}
		if (r == '.' || r == '、') && i > 0 {
			line = line[i+utf8.RuneLen(r):]
		}
		break
	}
	return strings.TrimSpace(line)
}

func extractRisk(line string) *string {
	for _, lvl := range []string{RiskHigh, RiskMedium, RiskLow} {
		if strings.Contains(line, lvl) {
			v := lvl
			return &v
		}
	}
	return nil
}

func extractConfidence(line string) *float64 {
	m := confidenceRE.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	if strings.Contains(m[0], "%") || v > 1 {
		v /= 100
	}
	return clampConfidence(&v)
}

func validRisk(lvl *string) *string {
	if lvl == nil {
		return nil
	}
	switch *lvl {
	case RiskLow, RiskMedium, RiskHigh:
		return lvl
	}
	return nil
}

func clampConfidence(c *float64) *float64 {
	if c == nil {
		return nil
	}
	v := *c
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return &v
}
