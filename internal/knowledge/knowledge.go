package knowledge

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// NoResultsMessage is returned to the model when a query matches nothing.
const NoResultsMessage = "No specific insights found."

// Document is a client-scoped knowledge base entry.
type Document struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Searcher runs keyword/semantic lookups scoped to one client.
type Searcher interface {
	SearchKnowledge(ctx context.Context, clientID, query string, limit int) ([]Document, error)
}

// Format renders search hits as plain text the model can read back.
func Format(docs []Document) string {
	if len(docs) == 0 {
		return NoResultsMessage
	}
	var b strings.Builder
	for i, d := range docs {
		if i > 0 {
			b.WriteString("\n")
		}
		title := strings.TrimSpace(d.Title)
		if title != "" {
			fmt.Fprintf(&b, "- %s: %s", title, strings.TrimSpace(d.Content))
		} else {
			fmt.Fprintf(&b, "- %s", strings.TrimSpace(d.Content))
		}
	}
	return b.String()
}

// Terms splits a query into lowercase keywords, dropping short noise words.
func Terms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Score counts how many query terms appear in the document.
func Score(doc Document, terms []string) int {
	hay := strings.ToLower(doc.Title + " " + doc.Content)
	score := 0
	for _, t := range terms {
		if strings.Contains(hay, t) {
			score++
		}
	}
	return score
}
