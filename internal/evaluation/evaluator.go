// Package evaluation scores generated answers for faithfulness to the
// passages they were generated from.
package evaluation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hotelrag/backend/internal/llm"
	"github.com/hotelrag/backend/internal/metrics"
	"github.com/hotelrag/backend/pkg/logger"
)

var (
	ErrEvaluation   = errors.New("faithfulness evaluation failed")
	ErrNoStatements = errors.New("answer has no checkable statements")
)

// Judge is the model backend of the evaluator.
type Judge interface {
	ExtractStatements(ctx context.Context, question, answer string) ([]string, error)
	JudgeStatements(ctx context.Context, contexts, statements []string) ([]llm.Verdict, error)
}

// Sample is one answered question. Reference is the caller-supplied ground
// truth; scoring is only requested when it is present.
type Sample struct {
	Question  string
	Answer    string
	Contexts  []string
	Reference string
}

type Evaluator struct {
	judge Judge
}

func NewEvaluator(judge Judge) *Evaluator {
	return &Evaluator{judge: judge}
}

// Faithfulness returns the share of the answer's statements that the
// contexts support, in [0, 1].
func (e *Evaluator) Faithfulness(ctx context.Context, s Sample) (float64, error) {
	statements, err := e.judge.ExtractStatements(ctx, s.Question, s.Answer)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrEvaluation, err)
	}
	if len(statements) == 0 {
		return 0, fmt.Errorf("%w: %w", ErrEvaluation, ErrNoStatements)
	}

	verdicts, err := e.judge.JudgeStatements(ctx, s.Contexts, statements)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrEvaluation, err)
	}
	if len(verdicts) != len(statements) {
		return 0, fmt.Errorf("%w: %w: %d verdicts for %d statements",
			ErrEvaluation, llm.ErrUnexpectedShape, len(verdicts), len(statements))
	}

	supported := 0
	for _, v := range verdicts {
		if v.Supported == 1 {
			supported++
		}
	}
	score := float64(supported) / float64(len(statements))

	metrics.FaithfulnessScore.Observe(score)
	logger.Info("Answer evaluated",
		zap.Int("statements", len(statements)),
		zap.Int("supported", supported),
		zap.Float64("faithfulness", score),
	)

	return score, nil
}
