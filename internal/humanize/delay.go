package humanize

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/PacePipe/internal/models"
)

const (
	// baseReadDelay is the minimum time spent "reading" an incoming message.
	baseReadDelay = 1 * time.Second
	// maxReadLengthBonus caps the per-character part of the read delay.
	maxReadLengthBonus = 3 * time.Second
	// charsPerWord converts reading speed from words to characters.
	charsPerWord = 5
	// minTypeDelay is the floor for the typing delay of a single chunk.
	minTypeDelay = 1500 * time.Millisecond
	// maxChunkJitter is the upper bound of the random part of the inter-chunk pause.
	maxChunkJitter = 450 * time.Millisecond
)

// Rand is the randomness source used for jitter. *math/rand/v2.Rand satisfies it.
type Rand interface {
	Float64() float64
}

// ReadDelay returns how long a human would take to read incoming.
func (c Config) ReadDelay(incoming string) time.Duration {
	if !c.Enabled {
		return 0
	}
	n := utf8.RuneCountInString(strings.TrimSpace(incoming))
	wpm := c.WPMReading
	if wpm <= 0 {
		wpm = Defaults().WPMReading
	}
	perChar := time.Minute / time.Duration(wpm*charsPerWord)
	bonus := time.Duration(n) * perChar
	if bonus > maxReadLengthBonus {
		bonus = maxReadLengthBonus
	}
	d := baseReadDelay + bonus
	if n > c.LongMessageThreshold {
		d += c.LongMessageExtraDelay
	}
	return d
}

// TypeDelay returns how long a human would take to type chunk, jittered by TypingVariancePct.
func (c Config) TypeDelay(chunk string, rng Rand) time.Duration {
	if !c.Enabled {
		return 0
	}
	n := utf8.RuneCountInString(chunk)
	cpm := c.CPMTyping
	if cpm <= 0 {
		cpm = Defaults().CPMTyping
	}
	d := time.Duration(n) * time.Minute / time.Duration(cpm)
	if c.TypingVariancePct > 0 && rng != nil {
		factor := 1 + (rng.Float64()*2-1)*float64(c.TypingVariancePct)/100
		d = time.Duration(float64(d) * factor)
	}
	if d < minTypeDelay {
		d = minTypeDelay
	}
	return d
}

// Clamp bounds d to [MinResponseDelay, MaxResponseDelay].
func (c Config) Clamp(d time.Duration) time.Duration {
	if d < c.MinResponseDelay {
		return c.MinResponseDelay
	}
	if d > c.MaxResponseDelay {
		return c.MaxResponseDelay
	}
	return d
}

// Pause returns the wait between two consecutive chunks.
func (c Config) Pause(rng Rand) time.Duration {
	if !c.Enabled {
		return 0
	}
	p := c.ChunkPause
	if rng != nil {
		p += time.Duration(rng.Float64() * float64(maxChunkJitter))
	}
	return p
}

// Plan splits reply and assigns each chunk its waits. The read delay for incoming is
// charged to the first chunk; every chunk's total pre-send wait lies within
// [MinResponseDelay, MaxResponseDelay]. A disabled config yields one chunk with no waits.
func Plan(reply, incoming string, cfg Config, rng Rand) []models.OutboundChunk {
	text := strings.TrimSpace(reply)
	if text == "" {
		return nil
	}
	if !cfg.Enabled {
		return []models.OutboundChunk{{Index: 0, Text: text}}
	}
	// Configs that did not come through Resolve may hold zero or out-of-range values.
	if cfg.Validate() != nil {
		cfg.sanitize()
	}

	parts := []string{text}
	if cfg.SplitMessages {
		parts = Split(text, cfg.SplitThreshold)
	}

	chunks := make([]models.OutboundChunk, 0, len(parts))
	for i, part := range parts {
		var read time.Duration
		if i == 0 {
			read = cfg.ReadDelay(incoming)
		}
		total := cfg.Clamp(read + cfg.TypeDelay(part, rng))
		if read > total {
			read = total
		}
		ch := models.OutboundChunk{
			Index:     i,
			Text:      part,
			ReadDelay: read,
			TypeDelay: total - read,
		}
		if i < len(parts)-1 {
			ch.Pause = cfg.Pause(rng)
		}
		chunks = append(chunks, ch)
	}
	return chunks
}
