package index

import (
	"sort"
	"strings"
)

const ellipsis = "..."

// summaryLocked cuts a window of at most summaryRunes runes starting
// contextRunes before the first matched token and wraps every matched token
// that lies fully inside the window in highlight markup.
func (ix *Index) summaryLocked(doc *Document, terms map[string]struct{}) string {
	content := doc.Content
	tokens := ix.analyzer.Tokenize(content)

	first := -1
	for _, tok := range tokens {
		if _, ok := terms[tok.Term]; ok {
			first = tok.Start
			break
		}
	}

	// runeStarts[i] is the byte offset of rune i; the final entry is len(content).
	runeStarts := make([]int, 0, len(content)+1)
	for i := range content {
		runeStarts = append(runeStarts, i)
	}
	total := len(runeStarts)
	runeStarts = append(runeStarts, len(content))

	startRune := 0
	if first >= 0 {
		startRune = sort.SearchInts(runeStarts[:total], first) - ix.contextRunes
	}
	if startRune < 0 {
		startRune = 0
	}
	endRune := startRune + ix.summaryRunes
	if endRune > total {
		endRune = total
		startRune = max(0, endRune-ix.summaryRunes)
	}
	lo, hi := runeStarts[startRune], runeStarts[endRune]

	var b strings.Builder
	b.Grow(hi - lo + 32)
	if startRune > 0 {
		b.WriteString(ellipsis)
	}
	cursor := lo
	for _, tok := range tokens {
		if tok.Start < lo || tok.End > hi {
			continue
		}
		if _, ok := terms[tok.Term]; !ok {
			continue
		}
		b.WriteString(content[cursor:tok.Start])
		b.WriteString(ix.highlightPre)
		b.WriteString(content[tok.Start:tok.End])
		b.WriteString(ix.highlightPost)
		cursor = tok.End
	}
	b.WriteString(content[cursor:hi])
	if endRune < total {
		b.WriteString(ellipsis)
	}
	return b.String()
}

// StripHighlight removes this index's highlight markup, giving the plain
// text that was shown to the user.
func (ix *Index) StripHighlight(summary string) string {
	if ix.highlightPre != "" {
		summary = strings.ReplaceAll(summary, ix.highlightPre, "")
	}
	if ix.highlightPost != "" {
		summary = strings.ReplaceAll(summary, ix.highlightPost, "")
	}
	return summary
}
