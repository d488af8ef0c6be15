// Package relay moves CSV uploads through the three-stage queue chain:
// upload ingests a whole file, process fans a file out into one message per
// record, and save persists a single record. Every message is a request that
// gets exactly one Reply.
package relay

// Stage is one hop of the fixed relay pipeline.
type Stage int

const (
	StageUpload Stage = iota + 1
	StageProcess
	StageSave
)

// Stages lists every stage in pipeline order.
var Stages = []Stage{StageUpload, StageProcess, StageSave}

// String returns the short stage name.
func (s Stage) String() string {
	switch s {
	case StageUpload:
		return "upload"
	case StageProcess:
		return "process"
	case StageSave:
		return "save"
	default:
		return "unknown"
	}
}

// Pattern is the message pattern carried in every request frame.
func (s Stage) Pattern() string {
	return "csv." + s.String()
}

// Queue returns the durable queue name for the stage under prefix.
func (s Stage) Queue(prefix string) string {
	return prefix + "." + s.String()
}

// Valid reports whether s is one of the three stages.
func (s Stage) Valid() bool {
	return s >= StageUpload && s <= StageSave
}

// StageForPattern resolves a message pattern to its stage.
func StageForPattern(pattern string) (Stage, bool) {
	for _, s := range Stages {
		if s.Pattern() == pattern {
			return s, true
		}
	}
	return 0, false
}
