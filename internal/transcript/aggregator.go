// Package transcript computes aggregate statistics over a session's
// transcript segments: word and character volume, overall and per speaker
// role. Word counting is CJK-aware since classroom transcripts are commonly
// Chinese: runs of Han characters count one word per rune, everything else
// counts whitespace-separated fields.
package transcript

import (
	"strings"
	"unicode"

	"github.com/classecho/backend/internal/models"
)

// SpeakerStats aggregates one speaker role's share of the transcript.
type SpeakerStats struct {
	Segments   int `json:"segments"`
	Words      int `json:"words"`
	Characters int `json:"characters"`
}

// Stats is the aggregate over a whole transcript.
type Stats struct {
	Segments   int                               `json:"segments"`
	Words      int                               `json:"words"`
	Characters int                               `json:"characters"`
	BySpeaker  map[models.SpeakerRole]SpeakerStats `json:"bySpeaker"`
}

// Compute aggregates the given segments. Segments with an empty speaker are
// attributed to the unknown role.
func Compute(segments []models.TranscriptSegment) Stats {
	stats := Stats{BySpeaker: make(map[models.SpeakerRole]SpeakerStats)}
	for _, seg := range segments {
		words := CountWords(seg.Text)
		chars := len([]rune(seg.Text))

		stats.Segments++
		stats.Words += words
		stats.Characters += chars

		role := seg.Speaker
		if role == "" {
			role = models.SpeakerUnknown
		}
		s := stats.BySpeaker[role]
		s.Segments++
		s.Words += words
		s.Characters += chars
		stats.BySpeaker[role] = s
	}
	return stats
}

// CountWords counts words in mixed-script text. Each CJK rune is one word;
// contiguous non-CJK runs are split on whitespace.
func CountWords(text string) int {
	count := 0
	var latin strings.Builder
	flush := func() {
		count += len(strings.Fields(latin.String()))
		latin.Reset()
	}
	for _, r := range text {
		if unicode.Is(unicode.Han, r) {
			flush()
			count++
			continue
		}
		latin.WriteRune(r)
	}
	flush()
	return count
}
