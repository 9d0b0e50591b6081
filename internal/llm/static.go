package llm

import "encoding/json"

// StaticPlan builds a heuristic plan when no AI provider is configured.
// It keys off repo presence and the scripts declared in package.json.
func StaticPlan(pc PlanContext) Plan {
	var steps []PlanStep
	if pc.HasRepo {
		steps = append(steps,
			PlanStep{Description: "Inspect the repository layout and key configuration files", Retryable: false},
			PlanStep{Description: "Implement the changes required by the goal", Retryable: false},
		)
	} else {
		steps = append(steps,
			PlanStep{Description: "Create the project skeleton and package manifest", Retryable: false},
			PlanStep{Description: "Implement the source files required by the goal", Retryable: false},
		)
	}

	scripts := packageScripts(pc.PackageJSON)
	if _, ok := scripts["lint"]; ok {
		steps = append(steps, PlanStep{Description: "Run the project's lint script and fix any findings", Retryable: true})
	}
	if _, ok := scripts["build"]; ok {
		steps = append(steps, PlanStep{Description: "Run the project's build script", Retryable: true})
	}
	if _, ok := scripts["test"]; ok {
		steps = append(steps, PlanStep{Description: "Run the project's test script and fix any failures", Retryable: true})
	}
	if len(steps) < 3 {
		steps = append(steps, PlanStep{Description: "Verify the result by exercising the implemented behaviour", Retryable: true})
	}

	return Plan{
		Reasoning: "Heuristic plan generated without an AI provider, derived from repository presence and package.json scripts.",
		Steps:     steps,
	}
}

func packageScripts(packageJSON string) map[string]string {
	if packageJSON == "" {
		return nil
	}
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal([]byte(packageJSON), &pkg); err != nil {
		return nil
	}
	return pkg.Scripts
}
