package llm

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/hotelrag/backend/pkg/logger"
)

// Verdict is the judgement of one answer statement against the context.
type Verdict struct {
	Statement string `json:"statement"`
	Reason    string `json:"reason"`
	Supported int    `json:"verdict"`
}

const statementsPrompt = `Given a question and an answer, break the answer down into standalone factual statements. Each statement must be understandable without pronouns and must not add information that is not in the answer.

Return JSON only, in this format:
{"statements": ["statement 1", "statement 2"]}`

const verdictsPrompt = `You judge whether statements can be directly inferred from a context. For each statement return verdict 1 if the context supports it and 0 otherwise, with a short reason. Keep the statements in the given order.

Return JSON only, in this format:
{"verdicts": [{"statement": "...", "reason": "...", "verdict": 1}]}`

// ExtractStatements splits an answer into atomic factual statements.
func (c *Client) ExtractStatements(ctx context.Context, question, answer string) ([]string, error) {
	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: statementsPrompt,
		UserPrompt:   fmt.Sprintf("Question: %s\n\nAnswer: %s", question, answer),
		Temperature:  0.01,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to extract statements: %w", err)
	}

	statements, err := parseStatements(resp.Content)
	if err != nil {
		return nil, err
	}

	logger.Debug("Statements extracted", zap.Int("count", len(statements)))
	return statements, nil
}

// JudgeStatements returns one verdict per statement, in statement order.
func (c *Client) JudgeStatements(ctx context.Context, contexts, statements []string) ([]Verdict, error) {
	var sb strings.Builder
	sb.WriteString("Context:\n")
	for _, ctxText := range contexts {
		sb.WriteString(ctxText)
		sb.WriteByte('\n')
	}
	sb.WriteString("\nStatements:\n")
	for i, s := range statements {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, s)
	}

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: verdictsPrompt,
		UserPrompt:   sb.String(),
		Temperature:  0.01,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to judge statements: %w", err)
	}

	return parseVerdicts(resp.Content, len(statements))
}

func parseStatements(content string) ([]string, error) {
	var wrapped struct {
		Statements []string `json:"statements"`
	}
	if err := ParseJSON(content, &wrapped); err == nil && wrapped.Statements != nil {
		return nonEmpty(wrapped.Statements), nil
	}

	var bare []string
	if err := ParseJSON(content, &bare); err != nil {
		return nil, err
	}
	return nonEmpty(bare), nil
}

func parseVerdicts(content string, want int) ([]Verdict, error) {
	var wrapped struct {
		Verdicts []Verdict `json:"verdicts"`
	}
	var verdicts []Verdict
	if err := ParseJSON(content, &wrapped); err == nil && wrapped.Verdicts != nil {
		verdicts = wrapped.Verdicts
	} else if err := ParseJSON(content, &verdicts); err != nil {
		return nil, err
	}

	if len(verdicts) != want {
		return nil, fmt.Errorf("%w: %d verdicts for %d statements", ErrUnexpectedShape, len(verdicts), want)
	}
	for i, v := range verdicts {
		if v.Supported != 0 && v.Supported != 1 {
			return nil, fmt.Errorf("%w: verdict %d is %d", ErrUnexpectedShape, i+1, v.Supported)
		}
	}
	return verdicts, nil
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
