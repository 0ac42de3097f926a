package context

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/BaSui01/roundtable/types"
)

// Summarizer folds messages into a running summary.
// prior is the summary so far and may be empty.
type Summarizer interface {
	Summarize(ctx context.Context, prior string, messages []*types.Message) (string, error)
}

// SummarizerFunc adapts a function, typically an LLM call, to Summarizer.
type SummarizerFunc func(ctx context.Context, prior string, messages []*types.Message) (string, error)

// Summarize calls f.
func (f SummarizerFunc) Summarize(ctx context.Context, prior string, messages []*types.Message) (string, error) {
	return f(ctx, prior, messages)
}

// ExtractiveSummarizer keeps the prior summary and appends one line per
// message holding its leading sentence. When the result grows past
// MaxSummaryRunes the oldest lines are compressed to MinLineRunes first;
// lines that record a decision keep their full text. Only if the summary
// is still too long are the oldest non-decision lines dropped, so the
// bound is lossy for very long conversations.
type ExtractiveSummarizer struct {
	MaxLineRunes    int // default 160
	MinLineRunes    int // default 40
	MaxSummaryRunes int // default 4000
}

// NewExtractiveSummarizer returns a summarizer with default bounds.
func NewExtractiveSummarizer() *ExtractiveSummarizer {
	return &ExtractiveSummarizer{MaxLineRunes: 160, MinLineRunes: 40, MaxSummaryRunes: 4000}
}

// decisionMarkers flag lines that are never compressed and dropped last.
var decisionMarkers = []string{
	"decide", "decision", "agree", "conclude", "conclusion", "recommend", "resolved",
	"决定", "同意", "结论", "建议",
}

func isDecision(line string) bool {
	lower := strings.ToLower(line)
	for _, m := range decisionMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// Summarize implements Summarizer.
func (s *ExtractiveSummarizer) Summarize(ctx context.Context, prior string, messages []*types.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	lineLimit := orDefault(s.MaxLineRunes, 160)
	shortLimit := orDefault(s.MinLineRunes, 40)
	summaryLimit := orDefault(s.MaxSummaryRunes, 4000)

	var lines []string
	if prior != "" {
		lines = strings.Split(prior, "\n")
	}
	for _, m := range messages {
		sentence := leadingSentence(m.Content, lineLimit)
		if sentence == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("[r%d] %s: %s", m.Round, speaker(m), sentence))
	}

	total := 0
	for _, l := range lines {
		total += utf8.RuneCountInString(l) + 1
	}
	// newest line is never touched
	for i := 0; i < len(lines)-1 && total > summaryLimit; i++ {
		if isDecision(lines[i]) {
			continue
		}
		short := compressLine(lines[i], shortLimit)
		total -= utf8.RuneCountInString(lines[i]) - utf8.RuneCountInString(short)
		lines[i] = short
	}
	for i := 0; i < len(lines)-1 && total > summaryLimit; {
		if isDecision(lines[i]) {
			i++
			continue
		}
		total -= utf8.RuneCountInString(lines[i]) + 1
		lines = append(lines[:i], lines[i+1:]...)
	}
	return strings.Join(lines, "\n"), nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// compressLine cuts the text after the "[rN] speaker: " prefix to limit runes.
func compressLine(line string, limit int) string {
	head, body, ok := strings.Cut(line, ": ")
	if !ok {
		head, body = "", line
	} else {
		head += ": "
	}
	runes := []rune(body)
	if len(runes) <= limit {
		return line
	}
	return head + strings.TrimRightFunc(string(runes[:limit]), unicode.IsSpace) + "…"
}

func speaker(m *types.Message) string {
	switch {
	case m.Type == types.MessageInterjection:
		return "user"
	case m.AgentID != "":
		return m.AgentID
	default:
		return string(m.Type)
	}
}

// leadingSentence returns the first sentence of text, cut to limit runes.
func leadingSentence(text string, limit int) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	end := len(text)
	for i, r := range text {
		if r == '\n' {
			end = i
			break
		}
		if strings.ContainsRune(".!?。！？", r) {
			end = i + utf8.RuneLen(r)
			break
		}
	}
	sentence := strings.TrimSpace(text[:end])
	if utf8.RuneCountInString(sentence) > limit {
		runes := []rune(sentence)
		sentence = string(runes[:limit]) + "…"
	}
	return sentence
}
