// Package policy evaluates sandbox commands against a Rego policy before
// they run.
package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/rego"
)

// Decision values produced by the policy.
const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// CommandInput is the policy input for one command.
type CommandInput struct {
	Command   string
	Args      []string
	Backend   string
	SandboxID string
}

// Decision is the evaluated outcome for a command.
type Decision struct {
	Decision string
	Reasons  []string
}

// Allowed reports whether the command may run.
func (d Decision) Allowed() bool {
	return d.Decision != DecisionBlock
}

// NewEngine prepares the given Rego module. The module must define
// data.sandbox_policy.result as {"decision": string, "reasons": [string]}.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.sandbox_policy.result"),
		rego.Module("sandbox_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}
	return &Engine{query: query}, nil
}

// NewEngineFromFile loads the policy from path, or the default policy when
// path is empty.
func NewEngineFromFile(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return NewEngine(ctx, string(content))
}

// Evaluate checks one command.
func (e *Engine) Evaluate(ctx context.Context, in CommandInput) (Decision, error) {
	args := make([]interface{}, 0, len(in.Args))
	for _, a := range in.Args {
		args = append(args, a)
	}
	input := map[string]interface{}{
		"command":    in.Command,
		"args":       args,
		"backend":    in.Backend,
		"sandbox_id": in.SandboxID,
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Decision: DecisionAllow}, nil
	}

	obj, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{}, fmt.Errorf("unexpected policy result type %T", results[0].Expressions[0].Value)
	}
	d := Decision{Decision: DecisionAllow}
	if s, ok := obj["decision"].(string); ok {
		d.Decision = s
	}
	if reasons, ok := obj["reasons"].([]interface{}); ok {
		for _, r := range reasons {
			if s, ok := r.(string); ok {
				d.Reasons = append(d.Reasons, s)
			}
		}
	}
	return d, nil
}

// DefaultPolicy blocks commands no generated project needs.
const DefaultPolicy = `
package sandbox_policy

default decision := "allow"

decision := "block" if count(deny) > 0

deny contains "privileged commands are not permitted" if input.command in {"sudo", "su", "doas"}

deny contains "host power and disk commands are not permitted" if input.command in {"shutdown", "reboot", "halt", "mkfs", "dd"}

deny contains "removing the filesystem root is not permitted" if {
	input.command == "rm"
	some arg in input.args
	arg in {"/", "/*", "~", "~/"}
}

deny contains "piping remote scripts into a shell is not permitted" if {
	input.command in {"sh", "bash", "zsh"}
	some arg in input.args
	regex.match(` + "`" + `(curl|wget)[^|]*\|\s*(ba|z)?sh` + "`" + `, arg)
}

result := {"decision": decision, "reasons": sort(deny)}
`
