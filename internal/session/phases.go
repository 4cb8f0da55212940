package session

import "glimpse/internal/types"

// afterLoadingPhase computes where the session lands when it leaves a
// loading phase without a committed result. Pure; recomputed on every
// transition out of loading, never cached.
func afterLoadingPhase(errorText, displayText string, permissionGranted bool) types.SessionPhase {
	if errorText != "" {
		return types.PhaseError
	}
	if types.CleanSelection(displayText) != "" {
		return types.PhaseResult
	}
	if !permissionGranted {
		return types.PhasePermissionRequired
	}
	return types.PhaseEmpty
}
