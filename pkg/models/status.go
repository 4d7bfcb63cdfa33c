package models

// Task statuses used throughout the codebase.
const (
	StatusTodo           = "todo"
	StatusDoing          = "doing"
	StatusDone           = "done"
	StatusFailed         = "failed"
	StatusBlocked        = "blocked"
	StatusCancelled      = "cancelled"
	StatusBudgetExceeded = "budget_exceeded"
)

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	return status == StatusDone || status == StatusCancelled
}

// Worker roles a task can be routed to.
const (
	RoleDev       = "dev"
	RoleQA        = "qa"
	RoleUxUI      = "ux_ui"
	RoleTelemetry = "telemetry"
)

// Roles lists every dispatchable role. RoleDev is the classifier fallback.
var Roles = []string{RoleDev, RoleQA, RoleUxUI, RoleTelemetry}

// KnownRole reports whether role is one of the dispatchable roles.
func KnownRole(role string) bool {
	for _, r := range Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Dependency kinds and origins.
const (
	DepKindFinishStart = "FINISH_START"

	DepOriginPlanner = "planner"
	DepOriginQA      = "qa"
	DepOriginSplit   = "split"
	DepOriginManual  = "manual"
)

// Default limits and tuning constants.
const (
	DefaultMaxRequestBodyBytes = 1 << 20 // 1 MiB
	DefaultTaskListLimit       = 1000
	DefaultReadyPageSize       = 10
	DefaultSSEChannelBuffer    = 256
	DefaultMaxRetries          = 2
	DefaultQueueBuffer         = 64
	MaxNotesLen                = 2000
)

// Default pricing and budget values (overridable via config).
const (
	DefaultBudgetUSD       = 10.0
	DefaultPricePerKTokens = 0.0025
	DefaultLowWaterUSD     = 1.0
)
