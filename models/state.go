package models

import "fmt"

var projectTransitions = map[string]map[string]struct{}{
	ProjectStatusIdle: {
		ProjectStatusRunning: {},
	},
	ProjectStatusRunning: {
		ProjectStatusPaused:    {},
		ProjectStatusCompleted: {},
		ProjectStatusFailed:    {},
	},
	ProjectStatusPaused: {
		ProjectStatusRunning: {},
	},
	ProjectStatusFailed: {
		ProjectStatusRunning: {},
	},
	ProjectStatusCompleted: {},
}

var stepTransitions = map[string]map[string]struct{}{
	StepStatusPending: {
		StepStatusRunning: {},
		StepStatusSkipped: {},
	},
	StepStatusRunning: {
		StepStatusCompleted: {},
		StepStatusFailed:    {},
		// 冷启动恢复：中断的步骤回到 pending
		StepStatusPending: {},
	},
	StepStatusFailed: {
		StepStatusPending: {},
	},
	StepStatusCompleted: {},
	StepStatusSkipped:   {},
}

var taskTransitions = map[string]map[string]struct{}{
	TaskStatusPending: {
		TaskStatusProcessing: {},
		TaskStatusFailed:     {},
		TaskStatusCancelled:  {},
	},
	TaskStatusProcessing: {
		TaskStatusCompleted: {},
		TaskStatusFailed:    {},
		TaskStatusCancelled: {},
	},
	TaskStatusCompleted: {},
	TaskStatusFailed:    {},
	TaskStatusCancelled: {},
}

func validate(table map[string]map[string]struct{}, kind, from, to string) error {
	next, ok := table[from]
	if !ok {
		return fmt.Errorf("invalid %s status: %q", kind, from)
	}
	if _, ok := table[to]; !ok {
		return fmt.Errorf("invalid %s status: %q", kind, to)
	}
	if _, ok := next[to]; !ok {
		return fmt.Errorf("invalid %s transition: %s -> %s", kind, from, to)
	}
	return nil
}

func ValidateProjectTransition(from, to string) error {
	return validate(projectTransitions, "project", from, to)
}

func ValidateStepTransition(from, to string) error {
	return validate(stepTransitions, "step", from, to)
}

func ValidateTaskTransition(from, to string) error {
	return validate(taskTransitions, "task", from, to)
}
