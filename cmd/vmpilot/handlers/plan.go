package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/imamik/vmpilot/internal/deployment"
	"github.com/imamik/vmpilot/internal/ledger"
	"github.com/imamik/vmpilot/internal/risk"
)

// PlanPreview is the offline view of a request.
type PlanPreview struct {
	Plan       deployment.Plan           `json:"plan"`
	Assessment deployment.RiskAssessment `json:"assessment"`
}

// Plan handles the plan command.
//
// It builds the stage plan of the request file and assesses it against the
// configured policy and an empty ledger.
func Plan(_ context.Context, configPath, envFile, requestPath string, jsonOutput bool) error {
	cfg, err := loadConfig(configPath, envFile)
	if err != nil {
		return err
	}
	req, err := loadRequest(requestPath)
	if err != nil {
		return err
	}
	req = req.WithDefaults()

	plan, err := deployment.NewPlanner(cfg.NamePrefix).Build(req)
	if err != nil {
		return err
	}
	pools, err := cfg.LedgerPools()
	if err != nil {
		return err
	}
	policy, err := cfg.RiskPolicy()
	if err != nil {
		return err
	}
	preview := PlanPreview{
		Plan:       plan,
		Assessment: risk.New(policy, ledger.New(pools)).Assess(req, plan),
	}

	if jsonOutput {
		data, err := json.MarshalIndent(preview, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal plan: %w", err)
		}
		_, err = fmt.Fprintln(stdout, string(data))
		return err
	}
	_, err = fmt.Fprint(stdout, renderPlan(req, preview))
	return err
}
