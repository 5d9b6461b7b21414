// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package selector

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/traylinx/fallbackd/internal/faults"
)

// Rule routes matching requests to a provider under the balanced strategy.
type Rule struct {
	Name string `yaml:"name" json:"name"`
	// When is an expr-lang boolean expression evaluated against RuleEnv,
	// e.g. `TaskType == "research" && PromptLength > 2000`.
	When     string `yaml:"when" json:"when"`
	Provider string `yaml:"provider" json:"provider"`
}

// RuleEnv is the environment routing rules are evaluated in.
type RuleEnv struct {
	TaskType        string
	Strategy        string
	RequiresPrivacy bool
	PromptLength    int
}

type compiledRule struct {
	Rule
	program *vm.Program
}

func compileRules(rules []Rule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		if strings.TrimSpace(r.Provider) == "" {
			return nil, faults.Invalid(fmt.Sprintf("routing-rules[%d].provider", i), "must not be empty")
		}
		when := strings.TrimSpace(r.When)
		if when == "" {
			when = "true"
		}
		program, err := expr.Compile(when, expr.Env(RuleEnv{}), expr.AsBool())
		if err != nil {
			return nil, faults.Invalid(fmt.Sprintf("routing-rules[%d].when", i), err.Error())
		}
		if r.Name == "" {
			r.Name = fmt.Sprintf("rule-%d", i)
		}
		out = append(out, compiledRule{Rule: r, program: program})
	}
	return out, nil
}

func (r compiledRule) match(env RuleEnv) (bool, error) {
	output, err := expr.Run(r.program, env)
	if err != nil {
		return false, fmt.Errorf("failed to run rule %q: %w", r.Name, err)
	}
	matched, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("rule %q did not return a boolean", r.Name)
	}
	return matched, nil
}
