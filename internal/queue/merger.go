package queue

import (
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/google/uuid"
)

// MergeSeparator joins merged message contents.
const MergeSeparator = "\n"

// Merger coalesces short bursts of text from one sender into one message.
type Merger struct {
	threshold int
	window    time.Duration
}

// MergeResult is the outcome of TryMerge.
type MergeResult struct {
	WasMerged bool
	Messages  []domain.ChatMessage
}

// NewMerger creates a Merger. threshold caps the combined content length in
// characters; window caps the gap between the earliest and latest message.
func NewMerger(threshold int, window time.Duration) *Merger {
	return &Merger{threshold: threshold, window: window}
}

// CanMerge reports whether msgs may be coalesced.
func (m *Merger) CanMerge(msgs []domain.ChatMessage) bool {
	if len(msgs) < 2 {
		return false
	}

	first := msgs[0]
	total := 0
	earliest, latest := first.Timestamp, first.Timestamp
	for _, msg := range msgs {
		if msg.SenderID != first.SenderID || msg.Platform != first.Platform {
			return false
		}
		if msg.Type != domain.MessageText {
			return false
		}
		total += utf8.RuneCountInString(msg.Content)
		if msg.Timestamp.Before(earliest) {
			earliest = msg.Timestamp
		}
		if msg.Timestamp.After(latest) {
			latest = msg.Timestamp
		}
	}

	if total > m.threshold {
		return false
	}
	return latest.Sub(earliest) <= m.window
}

// TryMerge returns a single merged message when CanMerge holds and the input
// unchanged otherwise.
func (m *Merger) TryMerge(msgs []domain.ChatMessage) MergeResult {
	if !m.CanMerge(msgs) {
		return MergeResult{Messages: msgs}
	}

	ordered := slices.Clone(msgs)
	slices.SortStableFunc(ordered, func(a, b domain.ChatMessage) int {
		return a.Timestamp.Compare(b.Timestamp)
	})

	parts := make([]string, len(ordered))
	ids := make([]string, len(ordered))
	for i, msg := range ordered {
		parts[i] = msg.Content
		ids[i] = msg.MessageID
	}

	first, last := ordered[0], ordered[len(ordered)-1]
	merged := domain.ChatMessage{
		MessageID:  mergedID(ids),
		SenderID:   first.SenderID,
		ReceiverID: first.ReceiverID,
		Content:    strings.Join(parts, MergeSeparator),
		Type:       domain.MessageText,
		Platform:   first.Platform,
		Timestamp:  last.Timestamp,
		Metadata: map[string]any{
			"mergedCount":        len(ordered),
			"originalMessageIds": ids,
		},
	}
	return MergeResult{WasMerged: true, Messages: []domain.ChatMessage{merged}}
}

// mergedID derives the merged message id from the originals, so a retried
// burst maps to the same history entry.
func mergedID(ids []string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.Join(ids, ","))).String()
}
