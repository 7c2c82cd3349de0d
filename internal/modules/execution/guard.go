package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/toolgate/core/internal/apperrors"
	"github.com/toolgate/core/internal/models"
	"github.com/toolgate/core/internal/pkg/inference"
)

const guardSystemPrompt = `You are a security policy enforcer. You will be given a function call an AI agent wants to make, and an instruction the agent's owner attached to that function. Decide whether the call violates the instruction. Respond with JSON only: {"violates": true|false, "reason": "<short explanation>"}.`

const guardMaxTokens = 200

type guardVerdict struct {
	Violates bool   `json:"violates"`
	Reason   string `json:"reason"`
}

// Guard checks function calls against per-agent custom instructions through
// the configured LLM. A guard without a client passes everything.
type Guard struct {
	llm    *inference.Client
	logger *zap.Logger
}

func NewGuard(llm *inference.Client, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{llm: llm, logger: logger.Named("InstructionGuard")}
}

// Check returns ErrInstructionViolation when the model judges the call to
// break the instruction. An unreachable model blocks the call: the owner
// wrote a policy, so silently skipping it is worse than failing.
func (g *Guard) Check(ctx context.Context, fn *models.FunctionModel, input map[string]interface{}, instruction string) error {
	if instruction == "" || !g.llm.Enabled() {
		return nil
	}

	inputJSON, err := json.Marshal(input)
	if err != nil {
		inputJSON = []byte("{}")
	}
	userPrompt := fmt.Sprintf(
		"Function: %s\nFunction description: %s\nInstruction from the owner: %s\nFunction input:\n%s",
		fn.Name, fn.Description, instruction, string(inputJSON))

	reply, err := g.llm.Complete(ctx, guardSystemPrompt, userPrompt, guardMaxTokens)
	if err != nil {
		if errors.Is(err, inference.ErrDisabled) {
			return nil
		}
		return fmt.Errorf("instruction guard: %w", err)
	}

	var verdict guardVerdict
	if err := inference.UnmarshalLoose(reply, &verdict); err != nil {
		return fmt.Errorf("instruction guard verdict: %w", err)
	}
	if verdict.Violates {
		g.logger.Info("execution blocked by custom instruction",
			zap.String("function_name", fn.Name),
			zap.String("reason", verdict.Reason))
		reason := verdict.Reason
		if reason == "" {
			reason = "blocked by custom instruction"
		}
		return fmt.Errorf("%w: %s", apperrors.ErrInstructionViolation, reason)
	}
	return nil
}
