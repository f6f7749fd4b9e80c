// Package detect decides whether a pipeline invocation should run at all.
// The decision is a pure function of its inputs: no clock, no I/O, no state.
package detect

type Input struct {
	PreviousSnapshotSHA256 string
	CurrentSnapshotSHA256  string
	CodeChanged            bool
	Force                  bool
}

type Decision struct {
	ShouldRun bool
	Reason    string
}

const (
	ReasonForced      = "forced"
	ReasonDataChanged = "data_changed"
	ReasonCodeChanged = "code_changed"
	ReasonNoChange    = "no_change"
)

// ShouldRun applies the trigger policy: run iff forced, or the snapshot hash
// moved, or the code version moved. A first-ever run has no previous snapshot
// and counts as a data change. When several reasons apply the strongest wins,
// in the order forced, data, code.
func ShouldRun(in Input) Decision {
	if in.Force {
		return Decision{ShouldRun: true, Reason: ReasonForced}
	}
	if in.PreviousSnapshotSHA256 != in.CurrentSnapshotSHA256 {
		return Decision{ShouldRun: true, Reason: ReasonDataChanged}
	}
	if in.CodeChanged {
		return Decision{ShouldRun: true, Reason: ReasonCodeChanged}
	}
	return Decision{ShouldRun: false, Reason: ReasonNoChange}
}
