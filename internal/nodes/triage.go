package nodes

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/carepath/carepath/internal/expressions"
	"github.com/carepath/carepath/internal/flow"
	"github.com/carepath/carepath/pkg/schema"
)

// defaultDisclaimer is appended to every run's warnings unless the profile
// overrides it.
const defaultDisclaimer = "This system provides preliminary guidance only and is not a medical diagnosis. " +
	"If symptoms worsen or any emergency signs appear, seek in-person care immediately."

// builtinRedFlags are the heuristic screening patterns every deployment
// carries. Profile rules are layered on top, never instead.
var builtinRedFlags = []string{
	`severe chest pain`,
	`chest pain\b`,
	`difficulty breathing|shortness of breath|can't breathe`,
	`unconscious|passed out|fainted`,
	`stroke|facial droop|slurred speech|weakness on one side`,
	`heavy bleeding|uncontrolled bleeding`,
	`stiff neck with fever`,
	`seizure|convulsion`,
	`severe abdominal pain`,
	`high fever.*(infant|baby)`,
	`pregnan(t|cy).*(bleeding|severe pain)`,
	`sudden.*confusion|sudden.*vision loss`,
	`head injury.*(vomit|confusion|drowsy)`,
	`allergic reaction.*(swelling|difficulty breathing)`,
}

// compiledRule is one triage rule ready for matching. A rule fires when the
// pattern matches and, if a predicate is configured, the predicate holds.
type compiledRule struct {
	pattern   *regexp.Regexp
	predicate string
	engine    expressions.Engine
	reason    string
}

// TriageNode screens the inbound message for red flags and assigns the
// triage level. It never calls out to a model: triage must stay cheap,
// deterministic, and available even when the provider is down.
type TriageNode struct {
	rules      []compiledRule
	disclaimer string
}

// NewTriageNode compiles the built-in red-flag set plus any profile rules.
// Rule predicates are evaluated with the engine the rule names (cel or
// expr); an unknown engine or a bad pattern fails construction.
func NewTriageNode(cfg schema.TriageConfig, cel *expressions.CELEngine, ex *expressions.ExprEngine) (*TriageNode, error) {
	rules := make([]compiledRule, 0, len(builtinRedFlags)+len(cfg.Rules))

	for _, p := range builtinRedFlags {
		rules = append(rules, compiledRule{
			pattern: regexp.MustCompile(`(?i)` + p),
			reason:  strings.ReplaceAll(p, "|", "/"),
		})
	}

	for i, r := range cfg.Rules {
		re, err := regexp.Compile(`(?i)` + r.Pattern)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"triage rule %d: bad pattern %q: %s", i, r.Pattern, err.Error()).WithCause(err)
		}
		cr := compiledRule{pattern: re, reason: r.Reason}
		if cr.reason == "" {
			cr.reason = strings.ReplaceAll(r.Pattern, "|", "/")
		}
		if r.When != "" {
			cr.predicate = r.When
			cr.engine = expressions.PredicateEngine(r.Engine, cel, ex)
			if cr.engine == nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"triage rule %d: unknown engine %q", i, r.Engine)
			}
		}
		rules = append(rules, cr)
	}

	disclaimer := cfg.Disclaimer
	if disclaimer == "" {
		disclaimer = defaultDisclaimer
	}

	return &TriageNode{rules: rules, disclaimer: disclaimer}, nil
}

func (n *TriageNode) Name() string { return "triage" }

func (n *TriageNode) Reads() []string { return []string{KeyUserText} }

func (n *TriageNode) Writes() []string {
	return []string{KeyTriageLevel, KeyTriageReasons, KeyTriageNote, KeyWarnings}
}

// Prepare extracts and normalizes the message text.
func (n *TriageNode) Prepare(s *flow.State) (any, error) {
	if !s.Has(KeyUserText) {
		return nil, flow.MissingInput(n.Name(), KeyUserText)
	}
	return normalize(s.String(KeyUserText)), nil
}

type triageResult struct {
	level   schema.TriageLevel
	reasons []string
}

// Execute applies every rule against the normalized text.
func (n *TriageNode) Execute(ctx context.Context, input any) (any, error) {
	text := input.(string)
	scope := map[string]any{
		"text":   text,
		"words":  strings.Fields(text),
		"length": len([]rune(text)),
	}

	var reasons []string
	for _, rule := range n.rules {
		if !rule.pattern.MatchString(text) {
			continue
		}
		if rule.engine != nil {
			out, err := rule.engine.Evaluate(ctx, rule.predicate, scope)
			if err != nil {
				return nil, err
			}
			if hold, ok := out.(bool); !ok || !hold {
				continue
			}
		}
		reasons = append(reasons, rule.reason)
	}

	level := schema.TriageNonUrgent
	if len(reasons) > 0 {
		level = schema.TriageUrgent
	}
	return triageResult{level: level, reasons: reasons}, nil
}

// Finalize records the classification and seeds the safety disclaimer.
func (n *TriageNode) Finalize(s *flow.State, input, result any) (string, error) {
	res, ok := result.(triageResult)
	if !ok {
		// Triage has no fallback wired; a degraded sentinel here is a bug.
		return "", schema.NewError(schema.ErrCodeExecution, "unexpected triage result type").WithNode(n.Name())
	}

	s.Set(KeyTriageLevel, string(res.level))
	s.Set(KeyTriageReasons, res.reasons)
	s.Set(KeyTriageNote, composeTriageNote(res.level, res.reasons))

	if !containsString(s.StringSlice(KeyWarnings), n.disclaimer) {
		s.Append(KeyWarnings, n.disclaimer)
	}

	if res.level == schema.TriageUrgent {
		return OutcomeUrgent, nil
	}
	return OutcomeOK, nil
}

func normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// composeTriageNote generates a concise note for downstream usage or UI.
func composeTriageNote(level schema.TriageLevel, reasons []string) string {
	if level != schema.TriageUrgent {
		return "Triage: non-urgent."
	}
	preview := "red-flag criteria met"
	if len(reasons) > 0 {
		shown := reasons
		if len(shown) > 3 {
			shown = shown[:3]
		}
		preview = strings.Join(shown, ", ")
	}
	return fmt.Sprintf("Triage: URGENT (%s).", preview)
}

func containsString(items []string, target string) bool {
	for _, s := range items {
		if s == target {
			return true
		}
	}
	return false
}

var _ flow.Node = (*TriageNode)(nil)
var _ flow.Contract = (*TriageNode)(nil)
