package chunker

import (
	"sort"
	"unicode/utf8"
)

// Tier maps texts up to UpTo runes to a chunk bound. MaxChunkSize 0 means one chunk.
type Tier struct {
	UpTo         int `yaml:"up_to"`
	MaxChunkSize int `yaml:"max_chunk_size"`
}

// Policy picks the chunk bound from the text length so short inputs never pay chunking overhead
type Policy struct {
	Tiers   []Tier
	Default int
}

// DefaultPolicy returns the short/medium/long/extra-long tiers
func DefaultPolicy() Policy {
	return Policy{
		Tiers: []Tier{
			{UpTo: 1500, MaxChunkSize: 0},
			{UpTo: 10000, MaxChunkSize: 1000},
			{UpTo: 50000, MaxChunkSize: 2000},
		},
		Default: 3000,
	}
}

// MaxChunkSize returns the chunk bound for a text of textLen runes
func (p Policy) MaxChunkSize(textLen int) int {
	tiers := make([]Tier, len(p.Tiers))
	copy(tiers, p.Tiers)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].UpTo < tiers[j].UpTo })

	for _, tier := range tiers {
		if textLen <= tier.UpTo {
			if tier.MaxChunkSize <= 0 {
				return textLen
			}
			return tier.MaxChunkSize
		}
	}
	return p.Default
}

// SplitText splits text with the bound chosen for its length
func (p Policy) SplitText(text string) []string {
	return Split(text, p.MaxChunkSize(utf8.RuneCountInString(text)))
}
