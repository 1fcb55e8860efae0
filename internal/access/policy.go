// Package access decides which inbound messages the relay answers, using an
// expr-lang boolean expression over the sender and message.
package access

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Env is the variable set visible to policy expressions.
type Env struct {
	UserID   string `expr:"user_id"`
	UserName string `expr:"user_name"`
	Command  string `expr:"command"`
	Text     string `expr:"text"`
}

// Policy is a compiled allow rule. A nil *Policy allows everything.
type Policy struct {
	Source  string
	program *vm.Program
}

// Compile type-checks source against Env. An empty source yields a nil
// Policy.
//
//	user_id in ["1001", "1002"]
//	command == "start" || len(text) < 2000
func Compile(source string) (*Policy, error) {
	if source == "" {
		return nil, nil
	}
	program, err := expr.Compile(source, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("access policy compile error: %w", err)
	}
	return &Policy{Source: source, program: program}, nil
}

// Allow evaluates the policy for env.
func (p *Policy) Allow(env Env) (bool, error) {
	if p == nil {
		return true, nil
	}
	out, err := expr.Run(p.program, env)
	if err != nil {
		return false, fmt.Errorf("access policy eval error for %q: %w", p.Source, err)
	}
	allowed, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("access policy %q returned %T, expected bool", p.Source, out)
	}
	return allowed, nil
}
