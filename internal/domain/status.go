package domain

import "strings"

// Stage identifies the per-file operation an outcome belongs to.
type Stage string

const (
	StageConnect  Stage = "connect"
	StageList     Stage = "list"
	StageDownload Stage = "download"
	StageDelete   Stage = "delete"
	StageBucket   Stage = "bucket"
	StageUpload   Stage = "upload"
	StageMove     Stage = "move"
)

// SourceState tracks a source through a run.
type SourceState string

const (
	StateIdle        SourceState = "idle"
	StateConnecting  SourceState = "connecting"
	StateFetching    SourceState = "fetching"
	StateUploading   SourceState = "uploading"
	StateDone        SourceState = "done"
	StateFailedFatal SourceState = "failed"
)

var stateTransitions = map[SourceState][]SourceState{
	StateIdle:       {StateConnecting},
	StateConnecting: {StateFetching, StateFailedFatal},
	StateFetching:   {StateUploading, StateFailedFatal},
	StateUploading:  {StateDone, StateFailedFatal},
}

// CanTransition reports whether a source may move from one state to another.
func CanTransition(from, to SourceState) bool {
	for _, next := range stateTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s SourceState) Terminal() bool {
	return s == StateDone || s == StateFailedFatal
}

var collisionPolicies = map[string]CollisionPolicy{
	"version":   CollisionVersion,
	"overwrite": CollisionOverwrite,
}

// ParseCollisionPolicy returns the policy for a given label (case-insensitive).
func ParseCollisionPolicy(label string) (CollisionPolicy, bool) {
	policy, ok := collisionPolicies[strings.ToLower(strings.TrimSpace(label))]

	return policy, ok
}
