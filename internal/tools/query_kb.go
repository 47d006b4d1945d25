package tools

import (
	"context"

	"google.golang.org/genai"

	"github.com/ent0n29/voicerelay/internal/knowledge"
)

const queryKBLimit = 5

// QueryKB searches the caller's knowledge base.
type QueryKB struct {
	searcher knowledge.Searcher
}

func NewQueryKB(searcher knowledge.Searcher) *QueryKB {
	return &QueryKB{searcher: searcher}
}

func (*QueryKB) Name() string { return "query_kb" }

func (*QueryKB) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        "query_kb",
		Description: "Search the business knowledge base for facts such as pricing, services, hours and policies.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"query": stringSchema("What to look up, in a few keywords."),
			},
			Required: []string{"query"},
		},
	}
}

func (q *QueryKB) Call(ctx context.Context, clientID string, args map[string]any) any {
	query := stringArg(args, "query")
	if query == "" {
		return ErrorResult{Error: "query is required"}
	}
	if q.searcher == nil {
		return knowledge.NoResultsMessage
	}
	docs, err := q.searcher.SearchKnowledge(ctx, clientID, query, queryKBLimit)
	if err != nil {
		return ErrorResult{Error: "knowledge lookup failed: " + err.Error()}
	}
	return knowledge.Format(docs)
}
