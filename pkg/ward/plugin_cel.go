package ward

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// CELPlugin compiles `cel:` conditions into CEL programs evaluated against
// {tool, session, args}. Compilation errors are configuration errors;
// evaluation failures count as "no match".
type CELPlugin struct {
	env *cel.Env
}

// NewCELPlugin builds the shared CEL environment.
func NewCELPlugin() (*CELPlugin, error) {
	env, err := cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("session", cel.StringType),
		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("cel plugin: environment: %w", err)
	}
	return &CELPlugin{env: env}, nil
}

// Compile checks and plans the expression.
func (p *CELPlugin) Compile(value any) (ConditionClause, error) {
	expr, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("cel condition must be a string expression")
	}
	ast, issues := p.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel condition %q: %w", expr, issues.Err())
	}
	prg, err := p.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel condition %q: program: %w", expr, err)
	}
	return &celClause{prg: prg}, nil
}

type celClause struct {
	prg cel.Program
}

func (c *celClause) Matches(ctx *ToolCallContext) bool {
	args := ctx.Arguments
	if args == nil {
		args = map[string]any{}
	}
	out, _, err := c.prg.Eval(map[string]any{
		"tool":    ctx.ToolName,
		"session": ctx.SessionID,
		"args":    args,
	})
	if err != nil {
		return false
	}
	matched, ok := out.Value().(bool)
	return ok && matched
}
