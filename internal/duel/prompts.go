package duel

import (
	"hash/fnv"
	"math/rand/v2"
	"strings"
)

// DefaultPromptCount is the length of a session's prompt sequence.
const DefaultPromptCount = 20

// Prompt is one drawable word.
type Prompt struct {
	ID   string `json:"id"`
	Word string `json:"word"`
}

var defaultWords = []string{
	"airplane", "apple", "banana", "bicycle", "bird", "book", "bridge", "butterfly",
	"cactus", "cake", "camera", "car", "cat", "chair", "clock", "cloud",
	"cup", "dog", "door", "elephant", "eye", "fish", "flower", "guitar",
	"hammer", "hat", "house", "ice cream", "key", "ladder", "light bulb", "lightning",
	"moon", "mountain", "mushroom", "octopus", "pencil", "pizza", "rabbit", "rainbow",
	"scissors", "shoe", "smiley face", "snail", "snowman", "spider", "star", "sun",
	"sword", "table", "tree", "umbrella", "windmill", "wine glass",
}

// Vocabulary is the fixed catalogue of prompts.
type Vocabulary struct {
	prompts []Prompt
	byID    map[string]Prompt
	words   []string
}

// NewVocabulary builds a vocabulary from words. IDs are derived from the words.
func NewVocabulary(words []string) *Vocabulary {
	v := &Vocabulary{byID: make(map[string]Prompt, len(words))}
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		id := strings.ReplaceAll(strings.ToLower(w), " ", "_")
		if _, dup := v.byID[id]; dup {
			continue
		}
		p := Prompt{ID: id, Word: w}
		v.prompts = append(v.prompts, p)
		v.byID[id] = p
		v.words = append(v.words, w)
	}
	return v
}

// DefaultVocabulary returns the built-in catalogue.
func DefaultVocabulary() *Vocabulary {
	return NewVocabulary(defaultWords)
}

// Len returns the number of prompts.
func (v *Vocabulary) Len() int {
	return len(v.prompts)
}

// Words returns every word, in catalogue order.
func (v *Vocabulary) Words() []string {
	return v.words
}

// Word returns the word for a prompt ID.
func (v *Vocabulary) Word(id string) (string, bool) {
	p, ok := v.byID[id]
	return p.Word, ok
}

// Resolve maps prompt IDs to prompts. Unknown IDs are skipped.
func (v *Vocabulary) Resolve(ids []string) []Prompt {
	out := make([]Prompt, 0, len(ids))
	for _, id := range ids {
		if p, ok := v.byID[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Order returns count distinct prompt IDs in an order derived only from seed.
// The same seed always yields the same order.
func (v *Vocabulary) Order(seed string, count int) []string {
	count = min(count, len(v.prompts))
	if count <= 0 {
		return []string{}
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(seed))
	sum := h.Sum64()
	r := rand.New(rand.NewPCG(sum, sum^0x9e3779b97f4a7c15))

	perm := r.Perm(len(v.prompts))
	out := make([]string, count)
	for i := range count {
		out[i] = v.prompts[perm[i]].ID
	}
	return out
}
