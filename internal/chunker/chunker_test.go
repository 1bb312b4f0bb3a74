package chunker

import (
	"math/rand"
	"strings"
	"testing"
	"unicode"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

func TestSplit_ShortText(t *testing.T) {
	tests := []struct {
		name string
		text string
		max  int
		want []string
	}{
		{name: "fits in one chunk", text: "  Hello world.  ", max: 100, want: []string{"Hello world."}},
		{name: "exactly max", text: "abcde", max: 5, want: []string{"abcde"}},
		{name: "empty text", text: "", max: 10, want: nil},
		{name: "only whitespace", text: " \n\t ", max: 10, want: nil},
		{name: "no limit", text: strings.Repeat("x", 50), max: 0, want: []string{strings.Repeat("x", 50)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Split(tt.text, tt.max))
		})
	}
}

func TestSplit_BoundaryPriority(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		max       int
		wantFirst string
	}{
		{
			name:      "paragraph break past half",
			text:      strings.Repeat("a", 6) + "\n\n" + "bb. cc, dd ee",
			max:       10,
			wantFirst: "aaaaaa",
		},
		{
			name:      "paragraph break before half is ignored in favour of sentence",
			text:      "aa\n\nbbb. cccccccc",
			max:       10,
			wantFirst: "aa\n\nbbb.",
		},
		{
			name:      "sentence terminator followed by space",
			text:      "Hello there. General Kenobi",
			max:       15,
			wantFirst: "Hello there.",
		},
		{
			name:      "sentence terminator on the last rune of the window",
			text:      strings.Repeat("a", 15) + ", bb. ccc",
			max:       20,
			wantFirst: strings.Repeat("a", 15) + ", bb.",
		},
		{
			name:      "paragraph break straddling the window end",
			text:      "aa. bbbbb\n\ncc",
			max:       10,
			wantFirst: "aa. bbbbb",
		},
		{
			name:      "full-width terminator",
			text:      "一二三四五六。 七八九十一二三",
			max:       10,
			wantFirst: "一二三四五六。",
		},
		{
			name:      "comma past seventy percent",
			text:      "abcdefgh, ijklmnop",
			max:       10,
			wantFirst: "abcdefgh,",
		},
		{
			name:      "comma before seventy percent falls through to space",
			text:      "abc, defghi jklmnop",
			max:       12,
			wantFirst: "abc, defghi",
		},
		{
			name:      "full-width comma",
			text:      "一二三四五六七八，九十一二三",
			max:       10,
			wantFirst: "一二三四五六七八，",
		},
		{
			name:      "space past eighty percent",
			text:      "abcdefghi jklmnop",
			max:       10,
			wantFirst: "abcdefghi",
		},
		{
			name:      "hard cut",
			text:      strings.Repeat("z", 25),
			max:       10,
			wantFirst: strings.Repeat("z", 10),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := Split(tt.text, tt.max)
			require.NotEmpty(t, chunks)
			assert.Equal(t, tt.wantFirst, chunks[0])
			for _, c := range chunks {
				assert.LessOrEqual(t, utf8.RuneCountInString(c), tt.max)
			}
			assert.Equal(t, stripSpace(tt.text), stripSpace(strings.Join(chunks, " ")))
		})
	}
}

func TestSplit_ThreeParagraphs(t *testing.T) {
	para := strings.Repeat("a", 797) + "."
	text := para + "\n\n" + para + "\n\n" + para

	chunks := Split(text, 800)

	require.Len(t, chunks, 3)
	for _, c := range chunks {
		assert.Equal(t, para, c)
	}
}

func TestSplit_HardCutCount(t *testing.T) {
	chunks := Split(strings.Repeat("a", 2400), 800)
	assert.Len(t, chunks, 3)
}

func TestSplit_Reconstruction(t *testing.T) {
	words := []string{"lorem", "ipsum", "dolor,", "sit", "amet.", "翻译", "测试。", "\n\n", "quick!", "brown?", "fox，", "jumps"}
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 200; round++ {
		var b strings.Builder
		n := rng.Intn(400)
		for i := 0; i < n; i++ {
			b.WriteString(words[rng.Intn(len(words))])
			if rng.Intn(5) > 0 {
				b.WriteString(" ")
			}
		}
		text := b.String()
		max := 5 + rng.Intn(200)

		chunks := Split(text, max)

		for _, c := range chunks {
			assert.LessOrEqual(t, utf8.RuneCountInString(c), max)
			assert.NotEmpty(t, c)
			assert.Equal(t, strings.TrimSpace(c), c)
		}
		assert.Equal(t, stripSpace(text), stripSpace(strings.Join(chunks, " ")), "round %d max %d", round, max)
	}
}

func TestPolicy_MaxChunkSize(t *testing.T) {
	policy := DefaultPolicy()

	tests := []struct {
		name    string
		textLen int
		want    int
	}{
		{name: "short text is one chunk", textLen: 1200, want: 1200},
		{name: "short tier upper bound", textLen: 1500, want: 1500},
		{name: "medium", textLen: 1501, want: 1000},
		{name: "long", textLen: 20000, want: 2000},
		{name: "extra long", textLen: 200000, want: 3000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.MaxChunkSize(tt.textLen))
		})
	}
}

func TestPolicy_SplitText(t *testing.T) {
	policy := Policy{Tiers: []Tier{{UpTo: 100, MaxChunkSize: 0}}, Default: 40}

	assert.Len(t, policy.SplitText(strings.Repeat("b", 100)), 1)
	assert.Len(t, policy.SplitText(strings.Repeat("b", 120)), 3)
}
