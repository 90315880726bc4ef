// Package routing maps an alert to its destination team and channel set.
package routing

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"

	"github.com/meridianbank/alertpipeline/internal/alert"
	"github.com/meridianbank/alertpipeline/internal/config"
)

// Rule is one routing rule. Predicate is an expression over the alert's
// kind, severity and attributes; the first matching rule in priority order
// wins.
type Rule struct {
	Name      string
	Priority  int
	Predicate string
	Team      string
	Channels  []alert.Channel
}

type compiledRule struct {
	rule     Rule
	program  *vm.Program
	position int
}

// Decision is the routing outcome for one alert.
type Decision struct {
	Team     string
	Channels []alert.Channel
	RuleName string
}

// Engine evaluates routing rules. Evaluation is deterministic: rules sort by
// descending priority, ties break by insertion order, and the escalation
// channel set for critical alerts is appended as policy rather than matched.
type Engine struct {
	cfg    config.RoutingConfig
	logger *slog.Logger

	mu    sync.RWMutex
	rules []compiledRule
}

// NewEngine creates a routing engine with the given rule set. Rules with
// predicates that fail to compile are rejected.
func NewEngine(cfg config.RoutingConfig, logger *slog.Logger, rules []Rule) (*Engine, error) {
	e := &Engine{cfg: cfg, logger: logger}
	if err := e.Reload(rules); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload replaces the rule set atomically.
func (e *Engine) Reload(rules []Rule) error {
	compiled := make([]compiledRule, 0, len(rules))
	for i, rule := range rules {
		program, err := expr.Compile(rule.Predicate, expr.Env(ruleEnv{}), expr.AsBool())
		if err != nil {
			return fmt.Errorf("failed to compile routing rule %q: %w", rule.Name, err)
		}
		compiled = append(compiled, compiledRule{rule: rule, program: program, position: i})
	}

	sort.SliceStable(compiled, func(a, b int) bool {
		if compiled[a].rule.Priority != compiled[b].rule.Priority {
			return compiled[a].rule.Priority > compiled[b].rule.Priority
		}
		return compiled[a].position < compiled[b].position
	})

	e.mu.Lock()
	e.rules = compiled
	e.mu.Unlock()

	e.logger.Info("Routing rules loaded", "count", len(compiled))
	return nil
}

// ruleEnv is the expression environment a predicate sees. Team is the
// current assignment, so escalation re-routes can match on it.
type ruleEnv struct {
	Kind         string            `expr:"kind"`
	Severity     string            `expr:"severity"`
	SeverityRank int               `expr:"severity_rank"`
	Team         string            `expr:"team"`
	Attributes   map[string]string `expr:"attributes"`
}

// Route returns the destination for an alert. First matching rule wins;
// when nothing matches the configured defaults apply. Critical severity
// unconditionally appends the escalation channel set.
func (e *Engine) Route(a *alert.Alert) Decision {
	env := ruleEnv{
		Kind:         a.Kind,
		Severity:     string(a.Severity),
		SeverityRank: a.Severity.Rank(),
		Team:         a.AssignedTeam,
		Attributes:   a.Attributes,
	}
	if env.Attributes == nil {
		env.Attributes = map[string]string{}
	}

	decision := Decision{
		Team:     e.cfg.DefaultTeam,
		Channels: toChannels(e.cfg.DefaultChannels),
	}

	e.mu.RLock()
	for _, cr := range e.rules {
		out, err := expr.Run(cr.program, env)
		if err != nil {
			// A predicate that errors at runtime does not match; routing must
			// still produce a destination.
			e.logger.Warn("Routing predicate failed",
				"rule", cr.rule.Name,
				"alert_id", a.ID,
				"error", err)
			continue
		}
		if matched, ok := out.(bool); ok && matched {
			decision = Decision{
				Team:     cr.rule.Team,
				Channels: append([]alert.Channel(nil), cr.rule.Channels...),
				RuleName: cr.rule.Name,
			}
			break
		}
	}
	e.mu.RUnlock()

	if a.Severity == alert.SeverityCritical {
		decision.Channels = appendUnique(decision.Channels, toChannels(e.cfg.EscalationChannels)...)
	}

	return decision
}

func toChannels(names []string) []alert.Channel {
	out := make([]alert.Channel, 0, len(names))
	for _, n := range names {
		out = append(out, alert.Channel(n))
	}
	return out
}

func appendUnique(dst []alert.Channel, extra ...alert.Channel) []alert.Channel {
	seen := make(map[alert.Channel]struct{}, len(dst))
	for _, c := range dst {
		seen[c] = struct{}{}
	}
	for _, c := range extra {
		if _, ok := seen[c]; !ok {
			dst = append(dst, c)
			seen[c] = struct{}{}
		}
	}
	return dst
}
