package config

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

const (
	defaultRuleTimeout = time.Second
	maxRuleSteps       = 100000
)

// RuleEvaluator evaluates flags.rules entries: Starlark boolean expressions
// over the feature flag names, e.g. "enable_ntl or enable_clima".
type RuleEvaluator struct {
	timeout time.Duration
}

// NewRuleEvaluator creates an evaluator. A zero timeout uses one second.
func NewRuleEvaluator(timeout time.Duration) *RuleEvaluator {
	if timeout == 0 {
		timeout = defaultRuleTimeout
	}
	return &RuleEvaluator{timeout: timeout}
}

// Check parses expr without evaluating it.
func (re *RuleEvaluator) Check(expr string) error {
	if _, err := syntax.ParseExpr("flags.rules", expr, 0); err != nil {
		return fmt.Errorf("invalid rule %q: %w", expr, err)
	}
	return nil
}

// Evaluate runs expr with every flag bound to its value. The result must be
// a bool.
func (re *RuleEvaluator) Evaluate(ctx context.Context, expr string, flags map[string]bool) (bool, error) {
	thread := &starlark.Thread{
		Name:  "flags.rules",
		Print: func(*starlark.Thread, string) {},
	}
	thread.SetMaxExecutionSteps(maxRuleSteps)

	ctx, cancel := context.WithTimeout(ctx, re.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(fmt.Sprintf("rule evaluation cancelled after %v", re.timeout))
	})
	defer stop()

	predeclared := make(starlark.StringDict, len(flags))
	for name, value := range flags {
		predeclared[name] = starlark.Bool(value)
	}

	v, err := starlark.Eval(thread, "flags.rules", expr, predeclared)
	if err != nil {
		return false, fmt.Errorf("rule %q failed: %w", expr, err)
	}
	b, ok := v.(starlark.Bool)
	if !ok {
		return false, fmt.Errorf("rule %q must evaluate to a bool, got %s", expr, v.Type())
	}
	return bool(b), nil
}

// ruleNames returns the stages with rules, sorted.
func ruleNames(rules map[string]string) []string {
	names := make([]string, 0, len(rules))
	for name := range rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
