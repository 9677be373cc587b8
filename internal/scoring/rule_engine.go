package scoring

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/rs/zerolog/log"

	"github.com/casemind/claims-risk/internal/models"
)

// Enrichment is the rule evaluation result of one claim
type Enrichment struct {
	Flags     []string `json:"flags"`
	RuleScore float64  `json:"rule_score"`
}

// RuleEngine evaluates compiled CEL flag expressions against claims
type RuleEngine struct {
	mu      sync.RWMutex
	env     *cel.Env
	version string
	rules   []compiledFlag
}

type compiledFlag struct {
	rule    FlagRule
	program cel.Program
}

// NewRuleEngine compiles every flag of rs
func NewRuleEngine(rs Ruleset) (*RuleEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("los", cel.DoubleType),
		cel.Variable("amount_claimed", cel.DoubleType),
		cel.Variable("peer_p90", cel.DoubleType),
		cel.Variable("bpjs_payment_ratio", cel.DoubleType),
		cel.Variable("cost_zscore", cel.DoubleType),
		cel.Variable("severity_group", cel.StringType),
		cel.Variable("duplicate_pattern", cel.BoolType),
		cel.Variable("has_peer_p90", cel.BoolType),
		cel.Variable("has_amount_claimed", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	re := &RuleEngine{env: env}
	if err := re.Reload(rs); err != nil {
		return nil, err
	}
	return re, nil
}

// Reload swaps the loaded ruleset. The previous ruleset stays active when
// any expression fails to compile.
func (re *RuleEngine) Reload(rs Ruleset) error {
	if err := rs.Validate(); err != nil {
		return err
	}

	compiled := make([]compiledFlag, 0, len(rs.Flags))
	for _, rule := range rs.Flags {
		ast, issues := re.env.Compile(rule.Expression)
		if issues != nil && issues.Err() != nil {
			return fmt.Errorf("failed to compile flag %s: %w", rule.Name, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return fmt.Errorf("flag %s must evaluate to bool, got %s", rule.Name, ast.OutputType())
		}
		program, err := re.env.Program(ast)
		if err != nil {
			return fmt.Errorf("failed to build program for flag %s: %w", rule.Name, err)
		}
		compiled = append(compiled, compiledFlag{rule: rule, program: program})
	}

	re.mu.Lock()
	re.version = rs.Version
	re.rules = compiled
	re.mu.Unlock()

	log.Info().
		Str("ruleset_version", rs.Version).
		Int("flag_count", len(compiled)).
		Msg("Ruleset loaded")

	return nil
}

// Version returns the loaded ruleset version
func (re *RuleEngine) Version() string {
	re.mu.RLock()
	defer re.mu.RUnlock()
	return re.version
}

// Rules returns the loaded flag rules in evaluation order
func (re *RuleEngine) Rules() []FlagRule {
	re.mu.RLock()
	defer re.mu.RUnlock()

	rules := make([]FlagRule, len(re.rules))
	for i, c := range re.rules {
		rules[i] = c.rule
	}
	return rules
}

// Describe returns the human readable description of a flag
func (re *RuleEngine) Describe(flag string) string {
	re.mu.RLock()
	defer re.mu.RUnlock()

	for _, c := range re.rules {
		if c.rule.Name == flag {
			return c.rule.Description
		}
	}
	return ""
}

// Enrich evaluates every flag against claim. The rule score is the maximum
// weight among active flags, 0 when none is active.
func (re *RuleEngine) Enrich(claim *models.Claim) Enrichment {
	re.mu.RLock()
	defer re.mu.RUnlock()

	activation := activationFor(claim)
	result := Enrichment{Flags: []string{}}

	for _, c := range re.rules {
		out, _, err := c.program.Eval(activation)
		if err != nil {
			log.Debug().
				Err(err).
				Str("claim_id", claim.ClaimID).
				Str("flag", c.rule.Name).
				Msg("Flag evaluation failed")
			continue
		}
		if active, ok := out.(types.Bool); ok && bool(active) {
			result.Flags = append(result.Flags, c.rule.Name)
			if c.rule.Weight > result.RuleScore {
				result.RuleScore = c.rule.Weight
			}
		}
	}
	return result
}

// EnrichAll evaluates claims in order
func (re *RuleEngine) EnrichAll(claims []models.Claim) []Enrichment {
	out := make([]Enrichment, len(claims))
	for i := range claims {
		out[i] = re.Enrich(&claims[i])
	}
	return out
}

// activationFor maps a claim to CEL variables. Missing los, payment ratio and
// z-score count as 0; missing peer p90 or claimed amount disable the
// comparisons that need them.
func activationFor(c *models.Claim) map[string]any {
	var los float64
	if c.LOS != nil {
		los = float64(*c.LOS)
	}

	severity := ""
	if c.SeverityGroup != nil {
		severity = *c.SeverityGroup
	}

	return map[string]any{
		"los":                los,
		"amount_claimed":     valueOrZero(c.AmountClaimed),
		"peer_p90":           valueOrZero(c.PeerP90),
		"bpjs_payment_ratio": valueOrZero(c.BPJSPaymentRatio),
		"cost_zscore":        valueOrZero(c.CostZScore),
		"severity_group":     severity,
		"duplicate_pattern":  c.DuplicatePattern,
		"has_peer_p90":       c.PeerP90 != nil,
		"has_amount_claimed": c.AmountClaimed != nil,
	}
}

func valueOrZero(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
