package api

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
)

// VocabMap is the minimal prompt<->token bridge the HTTP layer needs.
// Tokenizer loading is explicitly out of scope for this project (the
// numeric forward pass is a reference model, not a production
// transformer), so this hashes whitespace-separated words into the
// backend's vocabulary range and remembers the mapping long enough to
// turn generated ids back into readable text for the same request. It
// makes no claim of matching any real tokenizer's vocabulary.
type VocabMap struct {
	size   int
	wordOf map[int]string
}

func NewVocabMap(size int) *VocabMap {
	if size < 1 {
		size = 1
	}
	return &VocabMap{size: size, wordOf: make(map[int]string)}
}

// Encode splits text on whitespace and hashes each word into [0, size).
// Words that collide on the same id overwrite each other in wordOf;
// Decode favors the most recently encoded word for a given id, which is
// good enough for the demo round-trip this layer exists to support.
func (v *VocabMap) Encode(text string) []int {
	fields := strings.Fields(text)
	tokens := make([]int, 0, len(fields))
	for _, word := range fields {
		id := v.idFor(word)
		v.wordOf[id] = word
		tokens = append(tokens, id)
	}
	return tokens
}

func (v *VocabMap) idFor(word string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(word))
	return int(h.Sum32() % uint32(v.size))
}

// Decode renders generated token ids as text, substituting the word that
// last hashed to that id during Encode when one is known, and a bracketed
// numeric placeholder otherwise.
func (v *VocabMap) Decode(tokens []int) string {
	words := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if word, ok := v.wordOf[tok]; ok {
			words = append(words, word)
			continue
		}
		words = append(words, "<"+strconv.Itoa(tok)+">")
	}
	return strings.Join(words, " ")
}

// messagesToPrompt flattens a chat-completions message list into a single
// text blob. Multi-part content (the array-of-parts shape some clients
// send) keeps only its text parts.
func messagesToPrompt(messages []ChatMessage) (string, error) {
	var b strings.Builder
	for i, m := range messages {
		text, err := contentToText(m.Content)
		if err != nil {
			return "", fmt.Errorf("message %d: %w", i, err)
		}
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(text)
	}
	return b.String(), nil
}

func contentToText(content any) (string, error) {
	switch v := content.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []any:
		var parts []string
		for _, raw := range v {
			part, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if typ, _ := part["type"].(string); typ == "text" {
				if text, ok := part["text"].(string); ok {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, "\n"), nil
	default:
		return "", newInvalidRequest(fmt.Sprintf("unsupported content type %T", v))
	}
}
