// Package chunker groups chronologically-ordered messages into semantically
// coherent, size-capped text blocks with deterministic deduplication.
package chunker

import (
	"fmt"
	"strings"
	"time"

	"github.com/nikira-studio/lifequery/pkg/types"
)

const (
	// GapBreak seals the open chunk unconditionally when exceeded.
	GapBreak = 4 * time.Hour
	// GapJoin seals the open chunk when exceeded and the chunk already
	// reached its target size.
	GapJoin = 20 * time.Minute

	// tokensPerWord approximates subword tokenization. The estimator is part
	// of the chunk schema; changing it bumps types.ChunkVersion.
	tokensPerWord = 1.3
)

// Options configures chunking for one run. Values come from the settings
// snapshot taken at operation start.
type Options struct {
	TargetTokens  int
	MaxTokens     int
	OverlapTokens int
	NoiseKeywords []string
	ChatName      string
}

// Result carries the sealed chunks of one chat plus drop counters.
type Result struct {
	Chunks        []*types.Chunk
	NoiseDropped  int
	EmptySkipped  int
	MessagesSplit int
}

// EstimateTokens deterministically approximates the token count of a text as
// whitespace-delimited words times 1.3, rounded up.
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return int(float64(words)*tokensPerWord + 0.999999)
}

type openChunk struct {
	lines        []string
	tokens       int
	startTS      int64
	endTS        int64
	participants []string
	seen         map[string]bool
}

func (oc *openChunk) empty() bool { return len(oc.lines) == 0 }

func (oc *openChunk) add(line string, tokens int, ts int64, sender string) {
	if oc.empty() {
		oc.startTS = ts
	}
	oc.lines = append(oc.lines, line)
	oc.tokens += tokens
	if ts > oc.endTS {
		oc.endTS = ts
	}
	if sender != "" && !oc.seen[sender] {
		if oc.seen == nil {
			oc.seen = make(map[string]bool)
		}
		oc.seen[sender] = true
		oc.participants = append(oc.participants, sender)
	}
}

// Split applies the time-window rules to the ordered messages of one chat.
// The sealed chunk set is a pure function of the message sequence and the
// options: identical inputs yield an identical content-hash multiset.
func Split(msgs []types.Message, opts Options) *Result {
	result := &Result{}
	if opts.TargetTokens <= 0 {
		opts.TargetTokens = 300
	}
	if opts.MaxTokens < opts.TargetTokens {
		opts.MaxTokens = opts.TargetTokens * 2
	}

	noise := make([]string, len(opts.NoiseKeywords))
	for i, kw := range opts.NoiseKeywords {
		noise[i] = strings.ToLower(kw)
	}

	cur := &openChunk{}
	seal := func() {
		if cur.empty() {
			return
		}
		text := strings.Join(cur.lines, "\n")
		chunk := types.NewChunk(0, text, types.ChunkMetadata{
			ChatName:     opts.ChatName,
			Participants: cur.participants,
			StartTS:      cur.startTS,
			EndTS:        cur.endTS,
		})
		result.Chunks = append(result.Chunks, chunk)
		cur = &openChunk{}
	}

	for i := range msgs {
		m := &msgs[i]
		if strings.TrimSpace(m.Text) == "" {
			result.EmptySkipped++
			continue
		}
		if matchesNoise(m.Text, noise) {
			result.NoiseDropped++
			continue
		}

		line := renderLine(m)
		tokens := EstimateTokens(line)
		gap := time.Duration(m.Timestamp-cur.endTS) * time.Second

		switch {
		case !cur.empty() && gap >= GapBreak:
			seal()
		case !cur.empty() && gap > GapJoin && cur.tokens >= opts.TargetTokens:
			seal()
		}

		if !cur.empty() && cur.tokens+tokens > opts.MaxTokens {
			overlap := tailTokens(strings.Join(cur.lines, "\n"), opts.OverlapTokens)
			startTS := cur.endTS
			seal()
			if overlap != "" {
				cur.add(overlap, EstimateTokens(overlap), startTS, "")
			}
			result.MessagesSplit++
		}

		cur.add(line, tokens, m.Timestamp, m.Sender)
	}
	seal()

	for _, c := range result.Chunks {
		c.ChatID = chatIDOf(msgs)
	}
	return result
}

func chatIDOf(msgs []types.Message) int64 {
	if len(msgs) == 0 {
		return 0
	}
	return msgs[0].ChatID
}

func renderLine(m *types.Message) string {
	ts := time.Unix(m.Timestamp, 0).UTC().Format("2006-01-02 15:04")
	if m.Sender != "" {
		return fmt.Sprintf("[%s] %s: %s", ts, m.Sender, m.Text)
	}
	return fmt.Sprintf("[%s] %s", ts, m.Text)
}

func matchesNoise(text string, noise []string) bool {
	if len(noise) == 0 {
		return false
	}
	lower := strings.ToLower(text)
	for _, kw := range noise {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// tailTokens returns the trailing words of text amounting to roughly n
// estimated tokens, used to seed overlap continuity across a size seal.
func tailTokens(text string, n int) string {
	if n <= 0 {
		return ""
	}
	words := strings.Fields(text)
	keep := int(float64(n) / tokensPerWord)
	if keep <= 0 {
		return ""
	}
	if keep >= len(words) {
		return strings.Join(words, " ")
	}
	return strings.Join(words[len(words)-keep:], " ")
}
