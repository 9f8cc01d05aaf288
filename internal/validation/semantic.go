package validation

import (
	"fmt"
	"time"

	"github.com/AskTinNguyen/ralph-cli-sub017/pkg/schema"
)

// validateSemantic performs semantic analysis on the workflow definition.
// Checks: duplicate stage IDs, depends_on refs, loop directives, per-type
// config requirements, gate parameters.
func validateSemantic(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stageIDs := make(map[string]bool, len(def.Stages))
	for i, st := range def.Stages {
		if stageIDs[st.ID] {
			result.AddError(fmt.Sprintf("stages[%d].id", i),
				schema.ErrCodeDuplicateStage,
				fmt.Sprintf("duplicate stage id %q", st.ID))
			continue
		}
		stageIDs[st.ID] = true
	}

	for i := range def.Stages {
		validateStageSemantic(&def.Stages[i], fmt.Sprintf("stages[%d]", i), stageIDs, result)
	}

	return result
}

func validateStageSemantic(stage *schema.StageDefinition, path string, stageIDs map[string]bool, result *schema.ValidationResult) {
	for j, dep := range stage.DependsOn {
		if dep == stage.ID {
			result.AddError(fmt.Sprintf("%s.depends_on[%d]", path, j),
				schema.ErrCodeCycleDetected,
				fmt.Sprintf("stage %q depends on itself", stage.ID))
			continue
		}
		if !stageIDs[dep] {
			result.AddError(fmt.Sprintf("%s.depends_on[%d]", path, j),
				schema.ErrCodeUnknownDependency,
				fmt.Sprintf("references non-existent stage %q", dep))
		}
	}

	validateLoopDirective(stage, path, stageIDs, result)
	validateStageConfig(stage, path, result)
	for k := range stage.Verify {
		validateGate(&stage.Verify[k], fmt.Sprintf("%s.verify[%d]", path, k), result)
	}

	// Agent stages without gates pass on the agent's own exit code, which
	// trusts its claim of success. Worth flagging, not blocking.
	if stage.Type.AgentBacked() && len(stage.Verify) == 0 {
		result.AddWarning(path+".verify", schema.ErrCodeValidation,
			fmt.Sprintf("agent stage %q has no verification gates; success rests on the agent's exit code alone", stage.ID))
	}
}

func validateLoopDirective(stage *schema.StageDefinition, path string, stageIDs map[string]bool, result *schema.ValidationResult) {
	if stage.LoopTo == "" {
		if stage.MaxLoops > 0 {
			result.AddError(path+".max_loops", schema.ErrCodeValidation,
				fmt.Sprintf("stage %q sets max_loops without loop_to", stage.ID))
		}
		return
	}

	if !stageIDs[stage.LoopTo] {
		result.AddError(path+".loop_to", schema.ErrCodeUnknownDependency,
			fmt.Sprintf("loops to non-existent stage %q", stage.LoopTo))
		return
	}
	if stage.MaxLoops == 0 {
		result.AddWarning(path+".max_loops", schema.ErrCodeValidation,
			fmt.Sprintf("stage %q sets loop_to with max_loops 0; the directive never grants a restart", stage.ID))
	}
	if stage.MaxLoops > 10 {
		result.AddWarning(path+".max_loops", schema.ErrCodeValidation,
			fmt.Sprintf("high loop budget (%d) may burn agent time on an unfixable failure", stage.MaxLoops))
	}
}

func validateStageConfig(stage *schema.StageDefinition, path string, result *schema.ValidationResult) {
	switch stage.Type {
	case schema.StageTypePRD, schema.StageTypePlan, schema.StageTypeBuild:
		if configString(stage.Config, "prompt") == "" {
			result.AddError(path+".config.prompt", schema.ErrCodeValidation,
				fmt.Sprintf("agent stage %q requires config.prompt", stage.ID))
		}
	case schema.StageTypeCustom:
		if configString(stage.Config, "command") == "" {
			result.AddError(path+".config.command", schema.ErrCodeValidation,
				fmt.Sprintf("custom stage %q requires config.command", stage.ID))
		}
	case schema.StageTypeFactory:
		if configString(stage.Config, "workflow") == "" {
			result.AddError(path+".config.workflow", schema.ErrCodeValidation,
				fmt.Sprintf("factory stage %q requires config.workflow", stage.ID))
		}
	}

	if stage.Timeout != "" {
		if _, err := time.ParseDuration(stage.Timeout); err != nil {
			result.AddError(path+".timeout", schema.ErrCodeValidation,
				fmt.Sprintf("invalid timeout %q", stage.Timeout))
		}
	}
}

func validateGate(gate *schema.VerificationGate, path string, result *schema.ValidationResult) {
	switch gate.Kind {
	case schema.GateFileExists:
		if gate.Path == "" {
			result.AddError(path+".path", schema.ErrCodeValidation,
				"file_exists gate requires path")
		}
	case schema.GateFileContains:
		if gate.Path == "" {
			result.AddError(path+".path", schema.ErrCodeValidation,
				"file_contains gate requires path")
		}
		if gate.Substring == "" {
			result.AddError(path+".substring", schema.ErrCodeValidation,
				"file_contains gate requires substring")
		}
	case schema.GateTestSuite, schema.GateBuildSuccess, schema.GateLintPass, schema.GateCustom:
		if gate.Command == "" {
			result.AddError(path+".command", schema.ErrCodeValidation,
				fmt.Sprintf("%s gate requires command", gate.Kind))
		}
	}

	if gate.MinPassing > 0 && gate.Kind != schema.GateTestSuite {
		result.AddWarning(path+".min_passing", schema.ErrCodeValidation,
			fmt.Sprintf("min_passing has no effect on %s gates", gate.Kind))
	}
}

// configString reads a string config value without resolving templates;
// template tokens count as present.
func configString(config map[string]any, key string) string {
	if config == nil {
		return ""
	}
	s, _ := config[key].(string)
	return s
}
