package ingest

import "strings"

// Log levels assigned by the keyword classifier.
const (
	LevelError   = "error"
	LevelWarning = "warning"
	LevelDebug   = "debug"
	LevelInfo    = "info"
)

var errorKeywords = []string{
	"error", "exception", "traceback", "fatal", "panic", "failed", "failure",
}

var warningKeywords = []string{
	"warn", "deprecated", "retrying", "preempt",
}

var debugKeywords = []string{
	"debug", "trace",
}

// ClassifyLevel assigns a log level to one line from keyword
// heuristics. Trainer output arrives unlevelled; this is a coarse
// triage, not a parser.
func ClassifyLevel(line string) string {
	l := strings.ToLower(line)
	for _, kw := range errorKeywords {
		if strings.Contains(l, kw) {
			return LevelError
		}
	}
	for _, kw := range warningKeywords {
		if strings.Contains(l, kw) {
			return LevelWarning
		}
	}
	for _, kw := range debugKeywords {
		if strings.Contains(l, kw) {
			return LevelDebug
		}
	}
	return LevelInfo
}

// BatchLines splits lines into chunks of at most size each, preserving
// order. The orchestrator sync loop uses this to turn a raw log pull
// into ~100-line stream records.
func BatchLines(lines []string, size int) [][]string {
	if size <= 0 || len(lines) == 0 {
		return nil
	}
	out := make([][]string, 0, (len(lines)+size-1)/size)
	for start := 0; start < len(lines); start += size {
		end := start + size
		if end > len(lines) {
			end = len(lines)
		}
		out = append(out, lines[start:end])
	}
	return out
}

// DominantLevel picks the most severe level present in a batch of
// lines, so one errored line marks the whole record.
func DominantLevel(lines []string) string {
	level := LevelInfo
	for _, line := range lines {
		switch ClassifyLevel(line) {
		case LevelError:
			return LevelError
		case LevelWarning:
			level = LevelWarning
		case LevelDebug:
			if level == LevelInfo {
				level = LevelDebug
			}
		}
	}
	return level
}
