package memory

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// minChunkLength is the character length below which text becomes a single
// chunk without further splitting.
const minChunkLength = 50

// Chunk is one unit of text produced by the chunker.
type Chunk struct {
	Content    string
	TokenCount int
}

// tokenize approximates model tokenization as whitespace-delimited words.
// Token counts only need to be consistent across store and retrieval; the
// budget math never crosses into the provider's tokenizer.
func tokenize(text string) []string {
	return strings.Fields(text)
}

// CountTokens returns the token count of a text under the same
// approximation the chunker uses.
func CountTokens(text string) int {
	return len(tokenize(text))
}

// ChunkText slices text into chunks of at most chunkSize tokens with the
// given overlap. Empty text yields no chunks; text under minChunkLength
// yields exactly one. When overlap >= chunkSize the window still advances by
// chunkSize so the loop terminates.
func ChunkText(text string, chunkSize, overlap int) []Chunk {
	text = norm.NFC.String(strings.TrimSpace(text))
	if text == "" {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = 512
	}
	if overlap < 0 {
		overlap = 0
	}

	tokens := tokenize(text)
	if len(text) < minChunkLength || len(tokens) <= chunkSize {
		return []Chunk{{Content: text, TokenCount: len(tokens)}}
	}

	step := chunkSize - overlap
	if step <= 0 {
		step = chunkSize
	}

	var chunks []Chunk
	for start := 0; start < len(tokens); start += step {
		end := start + chunkSize
		if end > len(tokens) {
			end = len(tokens)
		}
		window := tokens[start:end]
		chunks = append(chunks, Chunk{
			Content:    strings.Join(window, " "),
			TokenCount: len(window),
		})
		if end == len(tokens) {
			break
		}
	}
	return chunks
}

// ChunkTextSemantic splits on paragraph boundaries first, then sentence
// boundaries when a paragraph exceeds the budget, and only token-slices a
// single oversized sentence. It never splits inside a word. Overlap is
// carried across chunk boundaries as trailing tokens of the prior chunk.
func ChunkTextSemantic(text string, chunkSize, overlap int) []Chunk {
	text = norm.NFC.String(strings.TrimSpace(text))
	if text == "" {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = 512
	}
	tokens := tokenize(text)
	if len(text) < minChunkLength || len(tokens) <= chunkSize {
		return []Chunk{{Content: text, TokenCount: len(tokens)}}
	}

	var units []string
	for _, paragraph := range splitParagraphs(text) {
		if CountTokens(paragraph) <= chunkSize {
			units = append(units, paragraph)
			continue
		}
		for _, sentence := range splitSentences(paragraph) {
			if CountTokens(sentence) <= chunkSize {
				units = append(units, sentence)
				continue
			}
			// A single oversized sentence falls back to token slicing.
			for _, sub := range ChunkText(sentence, chunkSize, 0) {
				units = append(units, sub.Content)
			}
		}
	}

	var chunks []Chunk
	var current []string
	currentTokens := 0
	flush := func() {
		if len(current) == 0 {
			return
		}
		content := strings.Join(current, "\n\n")
		chunks = append(chunks, Chunk{Content: content, TokenCount: CountTokens(content)})
		current = nil
		currentTokens = 0
	}

	for _, unit := range units {
		unitTokens := CountTokens(unit)
		if currentTokens > 0 && currentTokens+unitTokens > chunkSize {
			tail := overlapTail(current, overlap)
			flush()
			if tail != "" {
				current = []string{tail}
				currentTokens = CountTokens(tail)
			}
		}
		current = append(current, unit)
		currentTokens += unitTokens
	}
	flush()
	return chunks
}

// overlapTail returns the trailing tokens of the pending chunk to carry into
// the next one.
func overlapTail(units []string, overlap int) string {
	if overlap <= 0 || len(units) == 0 {
		return ""
	}
	tokens := tokenize(strings.Join(units, " "))
	if len(tokens) <= overlap {
		return strings.Join(tokens, " ")
	}
	return strings.Join(tokens[len(tokens)-overlap:], " ")
}

func splitParagraphs(text string) []string {
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitSentences splits on terminal punctuation, restoring the terminator on
// each sentence.
func splitSentences(text string) []string {
	var out []string
	var builder strings.Builder
	for _, r := range text {
		builder.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			sentence := strings.TrimSpace(builder.String())
			if sentence != "" {
				out = append(out, sentence)
			}
			builder.Reset()
		}
	}
	if rest := strings.TrimSpace(builder.String()); rest != "" {
		out = append(out, rest)
	}
	return out
}
