package domain

import "strings"

// Action is a user-initiated workflow action. The set is closed: adding a
// value requires a matching transition and handler, both checked by tests.
type Action string

const (
	ActionStartStage        Action = "START_STAGE"
	ActionCompleteStage     Action = "COMPLETE_STAGE"
	ActionPauseStage        Action = "PAUSE_STAGE"
	ActionResumeStage       Action = "RESUME_STAGE"
	ActionCancelStage       Action = "CANCEL_STAGE"
	ActionStartTask         Action = "START_TASK"
	ActionCompleteTask      Action = "COMPLETE_TASK"
	ActionCancelTask        Action = "CANCEL_TASK"
	ActionStartStep         Action = "START_STEP"
	ActionCompleteStep      Action = "COMPLETE_STEP"
	ActionBlockStep         Action = "BLOCK_STEP"
	ActionResumeStep        Action = "RESUME_STEP"
	ActionCancelStep        Action = "CANCEL_STEP"
	ActionAcceptAssignment  Action = "ACCEPT_ASSIGNMENT"
	ActionDeclineAssignment Action = "DECLINE_ASSIGNMENT"
	ActionCancelAssignment  Action = "CANCEL_ASSIGNMENT"
)

// Actions lists every supported action in declaration order.
func Actions() []Action {
	return []Action{
		ActionStartStage,
		ActionCompleteStage,
		ActionPauseStage,
		ActionResumeStage,
		ActionCancelStage,
		ActionStartTask,
		ActionCompleteTask,
		ActionCancelTask,
		ActionStartStep,
		ActionCompleteStep,
		ActionBlockStep,
		ActionResumeStep,
		ActionCancelStep,
		ActionAcceptAssignment,
		ActionDeclineAssignment,
		ActionCancelAssignment,
	}
}

func NormalizeAction(value string) Action {
	candidate := Action(strings.ToUpper(strings.TrimSpace(value)))
	for _, action := range Actions() {
		if action == candidate {
			return action
		}
	}
	return ""
}

// TargetLevel names the level of the hierarchy an action operates on.
type TargetLevel string

const (
	LevelStage      TargetLevel = "STAGE"
	LevelTask       TargetLevel = "TASK"
	LevelStep       TargetLevel = "STEP"
	LevelAssignment TargetLevel = "ASSIGNMENT"
)

// Target returns the level the action mutates.
func (a Action) Target() TargetLevel {
	switch a {
	case ActionStartStage, ActionCompleteStage, ActionPauseStage, ActionResumeStage, ActionCancelStage:
		return LevelStage
	case ActionStartTask, ActionCompleteTask, ActionCancelTask:
		return LevelTask
	case ActionStartStep, ActionCompleteStep, ActionBlockStep, ActionResumeStep, ActionCancelStep:
		return LevelStep
	case ActionAcceptAssignment, ActionDeclineAssignment, ActionCancelAssignment:
		return LevelAssignment
	default:
		return ""
	}
}
