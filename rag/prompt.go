package rag

import (
	"strings"

	"github.com/poiesic/handbook/core"
)

const groundingTemplate = `<|im_start|>system
You are a helpful AI assistant that answers questions based on the company handbook.
Only use the information provided in the context below. If you cannot find the answer
in the context, say "I cannot find information about this in the handbook."

Here is the relevant section from the handbook:
---
{context}
---
<|im_end|>
<|im_start|>user
Based on the handbook section above, {question}
<|im_end|>
<|im_start|>assistant`

// BuildPrompt places the newline-joined passages and the question into the
// grounding template.
func BuildPrompt(question string, passages []string) string {
	r := strings.NewReplacer(
		"{context}", strings.Join(passages, "\n"),
		"{question}", question,
	)
	return r.Replace(groundingTemplate)
}

// passageTexts returns the texts of results in order.
func passageTexts(results []*core.SearchResult) []string {
	texts := make([]string, 0, len(results))
	for _, r := range results {
		texts = append(texts, r.Passage.Text)
	}
	return texts
}
