package logging

// Convenience functions for quick logging without getting a logger first.
// These are no-ops if the category is disabled.

// Boot logs to the boot category.
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootDebug logs debug to the boot category.
func BootDebug(format string, args ...interface{}) {
	Get(CategoryBoot).Debug(format, args...)
}

// State logs to the state category.
func State(format string, args ...interface{}) {
	Get(CategoryState).Info(format, args...)
}

// StateDebug logs debug to the state category.
func StateDebug(format string, args ...interface{}) {
	Get(CategoryState).Debug(format, args...)
}

// StateError logs error to the state category.
func StateError(format string, args ...interface{}) {
	Get(CategoryState).Error(format, args...)
}

// Events logs to the events category.
func Events(format string, args ...interface{}) {
	Get(CategoryEvents).Info(format, args...)
}

// EventsDebug logs debug to the events category.
func EventsDebug(format string, args ...interface{}) {
	Get(CategoryEvents).Debug(format, args...)
}

// Contract logs to the contract category.
func Contract(format string, args ...interface{}) {
	Get(CategoryContract).Info(format, args...)
}

// ContractDebug logs debug to the contract category.
func ContractDebug(format string, args ...interface{}) {
	Get(CategoryContract).Debug(format, args...)
}

// Gate logs to the gate category.
func Gate(format string, args ...interface{}) {
	Get(CategoryGate).Info(format, args...)
}

// GateDebug logs debug to the gate category.
func GateDebug(format string, args ...interface{}) {
	Get(CategoryGate).Debug(format, args...)
}

// Recovery logs to the recovery category.
func Recovery(format string, args ...interface{}) {
	Get(CategoryRecovery).Info(format, args...)
}

// RecoveryDebug logs debug to the recovery category.
func RecoveryDebug(format string, args ...interface{}) {
	Get(CategoryRecovery).Debug(format, args...)
}

// RecoveryWarn logs warning to the recovery category.
func RecoveryWarn(format string, args ...interface{}) {
	Get(CategoryRecovery).Warn(format, args...)
}

// Checkpoint logs to the checkpoint category.
func Checkpoint(format string, args ...interface{}) {
	Get(CategoryCheckpoint).Info(format, args...)
}

// CheckpointDebug logs debug to the checkpoint category.
func CheckpointDebug(format string, args ...interface{}) {
	Get(CategoryCheckpoint).Debug(format, args...)
}

// Validation logs to the validation category.
func Validation(format string, args ...interface{}) {
	Get(CategoryValidation).Info(format, args...)
}

// ValidationDebug logs debug to the validation category.
func ValidationDebug(format string, args ...interface{}) {
	Get(CategoryValidation).Debug(format, args...)
}

// Memory logs to the memory category.
func Memory(format string, args ...interface{}) {
	Get(CategoryMemory).Info(format, args...)
}

// MemoryDebug logs debug to the memory category.
func MemoryDebug(format string, args ...interface{}) {
	Get(CategoryMemory).Debug(format, args...)
}

// Embedding logs to the embedding category.
func Embedding(format string, args ...interface{}) {
	Get(CategoryEmbedding).Info(format, args...)
}

// EmbeddingDebug logs debug to the embedding category.
func EmbeddingDebug(format string, args ...interface{}) {
	Get(CategoryEmbedding).Debug(format, args...)
}

// Preference logs to the preference category.
func Preference(format string, args ...interface{}) {
	Get(CategoryPreference).Info(format, args...)
}

// PreferenceDebug logs debug to the preference category.
func PreferenceDebug(format string, args ...interface{}) {
	Get(CategoryPreference).Debug(format, args...)
}

// Feature logs to the feature category.
func Feature(format string, args ...interface{}) {
	Get(CategoryFeature).Info(format, args...)
}

// FeatureDebug logs debug to the feature category.
func FeatureDebug(format string, args ...interface{}) {
	Get(CategoryFeature).Debug(format, args...)
}

// FeatureError logs error to the feature category.
func FeatureError(format string, args ...interface{}) {
	Get(CategoryFeature).Error(format, args...)
}

// Bug logs to the bug category.
func Bug(format string, args ...interface{}) {
	Get(CategoryBug).Info(format, args...)
}

// BugDebug logs debug to the bug category.
func BugDebug(format string, args ...interface{}) {
	Get(CategoryBug).Debug(format, args...)
}

// Autopilot logs to the autopilot category.
func Autopilot(format string, args ...interface{}) {
	Get(CategoryAutopilot).Info(format, args...)
}

// AutopilotDebug logs debug to the autopilot category.
func AutopilotDebug(format string, args ...interface{}) {
	Get(CategoryAutopilot).Debug(format, args...)
}

// Campaign logs to the campaign category.
func Campaign(format string, args ...interface{}) {
	Get(CategoryCampaign).Info(format, args...)
}

// CampaignDebug logs debug to the campaign category.
func CampaignDebug(format string, args ...interface{}) {
	Get(CategoryCampaign).Debug(format, args...)
}

// Agent logs to the agent category.
func Agent(format string, args ...interface{}) {
	Get(CategoryAgent).Info(format, args...)
}

// AgentDebug logs debug to the agent category.
func AgentDebug(format string, args ...interface{}) {
	Get(CategoryAgent).Debug(format, args...)
}
