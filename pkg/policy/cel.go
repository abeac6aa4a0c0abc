package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

func newConditionEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("args", cel.DynType),
		cel.Variable("safe", cel.BoolType),
	)
}

func compileCondition(env *cel.Env, expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	return prg, nil
}

// conditionsHold evaluates every condition against input; a condition that
// errors or evaluates to a non-true result counts as failed, per §4.2's
// "skip and continue" semantics.
func conditionsHold(conditions []cel.Program, input map[string]interface{}) bool {
	for _, prg := range conditions {
		out, _, err := prg.Eval(input)
		if err != nil {
			return false
		}
		result, ok := out.Value().(bool)
		if !ok || !result {
			return false
		}
	}
	return true
}
