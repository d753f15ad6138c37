package review

import (
	"fmt"
	"time"
)

// Evaluator judges one criterion against a request's content. Evaluators
// must be pure with respect to the content so review outcomes are
// reproducible; a panicking evaluator is recorded as a failed criterion
// rather than crashing the gate.
type Evaluator func(content map[string]any) Feedback

// defaultEvaluators returns the built-in criterion sets per review type.
func defaultEvaluators() map[ReviewType][]Evaluator {
	return map[ReviewType][]Evaluator{
		TypePreImplementation:  {evalStrategicAlignment, evalCompleteness, evalFeasibility},
		TypePostImplementation: {evalImplementationVerification, evalQuality},
		TypeStrategicAlignment: {evalStrategicAlignment},
		TypeCodeQuality:        {evalQuality},
		TypeSecurity:           {evalSecurityBaseline},
		TypePerformance:        {evalPerformanceBaseline},
	}
}

func feedback(criterion string, passed bool, note string) Feedback {
	return Feedback{
		Criterion: criterion,
		Passed:    passed,
		Note:      note,
		CreatedAt: time.Now().UTC(),
	}
}

func hasNonEmpty(content map[string]any, key string) bool {
	v, ok := content[key]
	if !ok || v == nil {
		return false
	}
	switch t := v.(type) {
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case []string:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

func evalStrategicAlignment(content map[string]any) Feedback {
	if hasNonEmpty(content, "goal") || hasNonEmpty(content, "objective") {
		return feedback("strategic-alignment", true, "stated goal present")
	}
	return feedback("strategic-alignment", false, "no goal or objective stated")
}

func evalCompleteness(content map[string]any) Feedback {
	if hasNonEmpty(content, "steps") {
		return feedback("completeness", true, "implementation steps provided")
	}
	return feedback("completeness", false, "missing steps")
}

func evalFeasibility(content map[string]any) Feedback {
	if hasNonEmpty(content, "blockers") {
		return feedback("feasibility", false, fmt.Sprintf("unresolved blockers: %v", content["blockers"]))
	}
	return feedback("feasibility", true, "no known blockers")
}

func evalImplementationVerification(content map[string]any) Feedback {
	if hasNonEmpty(content, "implementation_id") || hasNonEmpty(content, "changes") {
		return feedback("implementation-verification", true, "implementation artifacts referenced")
	}
	return feedback("implementation-verification", false, "no implementation artifacts referenced")
}

func evalQuality(content map[string]any) Feedback {
	if hasNonEmpty(content, "known_issues") {
		return feedback("quality", false, fmt.Sprintf("known issues reported: %v", content["known_issues"]))
	}
	return feedback("quality", true, "no known issues reported")
}

func evalSecurityBaseline(content map[string]any) Feedback {
	handles, _ := content["handles_credentials"].(bool)
	if handles && !hasNonEmpty(content, "security_review") {
		return feedback("security-baseline", false, "handles credentials without a security review")
	}
	return feedback("security-baseline", true, "security baseline satisfied")
}

func evalPerformanceBaseline(content map[string]any) Feedback {
	hot, _ := content["hot_path"].(bool)
	if hot && !hasNonEmpty(content, "benchmarks") {
		return feedback("performance-baseline", false, "hot path change without benchmarks")
	}
	return feedback("performance-baseline", true, "performance baseline satisfied")
}
