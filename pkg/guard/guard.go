// Package guard refuses to run the pipeline over anything but real data. It
// checks the configured mode and audits the provenance manifest for records
// left behind by demo or synthetic runs. The rules live in an embedded Rego
// policy evaluated with OPA.
package guard

import (
	"context"
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/agendaterritorial/agenda/pkg/engine"
	"github.com/agendaterritorial/agenda/pkg/manifest"
	"github.com/agendaterritorial/agenda/pkg/telemetry"
)

//go:embed policies/provenance.rego
var provenancePolicy string

const denyQuery = "data.agenda.guard.deny"

// Violation is one policy finding.
type Violation struct {
	Kind     string
	Message  string
	Artifact string
	Source   string
}

// Guard evaluates the real-mode policy.
type Guard struct {
	query  rego.PreparedEvalQuery
	logger *telemetry.Logger
}

// New compiles the embedded policy.
func New(ctx context.Context, logger *telemetry.Logger) (*Guard, error) {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	query, err := rego.New(
		rego.Module("provenance.rego", provenancePolicy),
		rego.Query(denyQuery),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare guard policy: %w", err)
	}
	return &Guard{query: query, logger: logger.NewComponentLogger("guard")}, nil
}

// ValidateConfig fails with a configuration error unless mode is "real", and
// with a validation error when the manifest at manifestPath holds demo or
// synthetic records. The mode is checked before the manifest is read. A
// missing manifest passes.
func (g *Guard) ValidateConfig(ctx context.Context, mode, manifestPath string) error {
	violations, err := g.Evaluate(ctx, mode, nil)
	if err != nil {
		return err
	}
	if len(violations) > 0 {
		return nonRealMode(mode)
	}

	records, err := manifest.Load(manifestPath)
	if err != nil {
		return err
	}
	violations, err = g.Evaluate(ctx, mode, records)
	if err != nil {
		return err
	}

	var artifacts []string
	for _, v := range violations {
		if v.Kind == "mode" {
			return nonRealMode(mode)
		}
		artifacts = append(artifacts, v.Artifact)
	}
	if len(artifacts) > 0 {
		sort.Strings(artifacts)
		g.logger.WithField("artifacts", strings.Join(artifacts, ", ")).Error("demo artifacts found in manifest")
		return engine.NewValidationError(
			"demo artifacts detected in manifest; remove data/ and outputs/ from prior demo runs before proceeding", nil).
			WithCode(engine.ErrCodeDemoArtifacts).
			WithPath(manifestPath).
			WithDetail("artifacts", artifacts)
	}

	g.logger.Info("config validated")
	return nil
}

func nonRealMode(mode string) error {
	return engine.NewConfigurationError("demo mode is disabled; provide real data sources", nil).
		WithCode(engine.ErrCodeNonRealMode).
		WithDetail("mode", mode)
}

// Evaluate runs the policy over mode and records and returns its findings.
func (g *Guard) Evaluate(ctx context.Context, mode string, records []manifest.Artifact) ([]Violation, error) {
	input := map[string]interface{}{
		"mode":    mode,
		"records": records,
	}
	results, err := g.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("guard policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		set, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, item := range set {
			violations = append(violations, toViolation(item))
		}
	}
	return violations, nil
}

func toViolation(item interface{}) Violation {
	m, ok := item.(map[string]interface{})
	if !ok {
		return Violation{Kind: "unknown", Message: fmt.Sprintf("%v", item)}
	}
	str := func(key string) string {
		s, _ := m[key].(string)
		return s
	}
	return Violation{
		Kind:     str("kind"),
		Message:  str("message"),
		Artifact: str("artifact"),
		Source:   str("source"),
	}
}
