package protocol

import "time"

// SynthesisRequest asks a runner node to synthesize every utterance listed
// in a metadata manifest.
type SynthesisRequest struct {
	RequestID    string `json:"request_id"`
	TestMetadata string `json:"test_metadata"`
	OutputDir    string `json:"output_dir"`
	Device       string `json:"device,omitempty"`
}

// SynthesisResult reports the outcome of a pipeline run.
type SynthesisResult struct {
	RequestID  string    `json:"request_id"`
	RunID      string    `json:"run_id"`
	NodeID     string    `json:"node_id"`
	Device     string    `json:"device"`
	ExitCode   int       `json:"exit_code"`
	Utterances int       `json:"utterances"`
	Verified   int       `json:"verified"`
	Missing    int       `json:"missing"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// SynthesisProgress marks a stage transition while a run is in flight.
// Utterances and Verified are zero until the stage that fills them in.
type SynthesisProgress struct {
	RequestID  string    `json:"request_id"`
	RunID      string    `json:"run_id"`
	NodeID     string    `json:"node_id"`
	Stage      string    `json:"stage"`
	Utterances int       `json:"utterances"`
	Verified   int       `json:"verified"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	StageRunning   = "running"
	StageVerifying = "verifying"
)

const (
	SubjectSynthRequest  = "synth.request"
	SubjectSynthResult   = "synth.result"
	SubjectSynthProgress = "synth.progress"
	SubjectNodeAnnounce  = "ctrl.node.announce"
	SubjectNodeHeartbeat = "ctrl.node.heartbeat"
)
