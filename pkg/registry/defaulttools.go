package registry

import (
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"
)

// ErrUnsupportedExpression is returned by the safe_calc handler for any
// expression outside its whitelisted arithmetic grammar.
var ErrUnsupportedExpression = errors.New("registry: unsupported expression")

// DefaultTools returns the always-available baseline tool set: three safe,
// in-process tools. python_eval/python_exec are deliberately not included
// here — they need a real compiled .wasm guest module, which does not
// exist in this tree; a deployment that builds one registers them
// separately with registry.Register, wiring a sandbox driver in
// cmd/orchestratord.
// Callers register these plus whatever domain-specific tools they add.
func DefaultTools() []ToolSpec {
	return []ToolSpec{
		{
			Name: "echo",
			ParamSchema: `{"type":"object","properties":{"message":{"type":"string"}},"required":["message"]}`,
			Handler: func(args map[string]interface{}) (interface{}, error) {
				message, _ := args["message"].(string)
				return "Echo: " + message, nil
			},
		},
		{
			Name: "safe_calc",
			ParamSchema: `{"type":"object","properties":{"expression":{"type":"string"}},"required":["expression"]}`,
			Handler: func(args map[string]interface{}) (interface{}, error) {
				expr, _ := args["expression"].(string)
				result, err := evalArithmetic(expr)
				if err != nil {
					return nil, err
				}
				return result, nil
			},
		},
		{
			Name: "summarize_text",
			ParamSchema: `{"type":"object","properties":{"text":{"type":"string"},"max_sentences":{"type":"integer"}},"required":["text"]}`,
			Handler: func(args map[string]interface{}) (interface{}, error) {
				return summarizeText(args)
			},
		},
	}
}

// evalArithmetic evaluates expr using Go's own expression grammar,
// restricted to numeric literals and +-*/% with parentheses, mirroring
// the reference implementation's AST-whitelist calculator.
func evalArithmetic(expr string) (float64, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, fmt.Errorf("%w: missing_expression", ErrUnsupportedExpression)
	}
	node, err := parser.ParseExpr(expr)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnsupportedExpression, err)
	}
	return evalNode(node)
}

func evalNode(node ast.Expr) (float64, error) {
	switch n := node.(type) {
	case *ast.BasicLit:
		if n.Kind != token.INT && n.Kind != token.FLOAT {
			return 0, ErrUnsupportedExpression
		}
		var f float64
		if _, err := fmt.Sscanf(n.Value, "%g", &f); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnsupportedExpression, err)
		}
		return f, nil
	case *ast.ParenExpr:
		return evalNode(n.X)
	case *ast.UnaryExpr:
		v, err := evalNode(n.X)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case token.SUB:
			return -v, nil
		case token.ADD:
			return v, nil
		default:
			return 0, ErrUnsupportedExpression
		}
	case *ast.BinaryExpr:
		left, err := evalNode(n.X)
		if err != nil {
			return 0, err
		}
		right, err := evalNode(n.Y)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case token.ADD:
			return left + right, nil
		case token.SUB:
			return left - right, nil
		case token.MUL:
			return left * right, nil
		case token.QUO:
			if right == 0 {
				return 0, fmt.Errorf("%w: division_by_zero", ErrUnsupportedExpression)
			}
			return left / right, nil
		case token.REM:
			if right == 0 {
				return 0, fmt.Errorf("%w: division_by_zero", ErrUnsupportedExpression)
			}
			return float64(int64(left) % int64(right)), nil
		default:
			return 0, ErrUnsupportedExpression
		}
	default:
		return 0, ErrUnsupportedExpression
	}
}

// summarizeText produces a lightweight extractive summary: the first N
// sentences of the input, no model call involved.
func summarizeText(args map[string]interface{}) (interface{}, error) {
	text, _ := args["text"].(string)
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("text is required")
	}
	maxSentences := 3
	switch v := args["max_sentences"].(type) {
	case float64:
		maxSentences = int(v)
	case int:
		maxSentences = v
	}
	if maxSentences <= 0 {
		return nil, errors.New("max_sentences must be > 0")
	}

	normalized := strings.Join(strings.Fields(text), " ")
	var sentences []string
	for _, s := range strings.Split(normalized, ".") {
		if s = strings.TrimSpace(s); s != "" {
			sentences = append(sentences, s)
		}
	}
	if len(sentences) > maxSentences {
		sentences = sentences[:maxSentences]
	}
	summary := strings.Join(sentences, ". ")
	if summary != "" && !strings.HasSuffix(summary, ".") {
		summary += "."
	}
	return map[string]interface{}{
		"summary":   summary,
		"sentences": len(sentences),
	}, nil
}
