package protocol

import "time"

// TTSRequest asks the daemon to synthesize text into a WAV file. Audio is
// never carried on the bus; results are reported as file paths.
type TTSRequest struct {
	JobID string `json:"job_id,omitempty"`
	Text  string `json:"text"`
	// Voice names a preset from the voice library. It is ignored when
	// PromptWavPath is set.
	Voice              string   `json:"voice,omitempty"`
	PromptWavPath      string   `json:"prompt_wav_path,omitempty"`
	PromptText         string   `json:"prompt_text,omitempty"`
	CFGValue           float64  `json:"cfg_value,omitempty"`
	InferenceTimesteps int      `json:"inference_timesteps,omitempty"`
	Normalize          *bool    `json:"normalize,omitempty"`
	Denoise            *bool    `json:"denoise,omitempty"`
	RemoveSilence      *bool    `json:"remove_silence,omitempty"`
	OutputName         string   `json:"output_name,omitempty"`
	Tags               []string `json:"tags,omitempty"`
}

// TTSProgress is published once per finished utterance.
type TTSProgress struct {
	JobID      string    `json:"job_id"`
	Utterance  int       `json:"utterance"`
	Text       string    `json:"text"`
	Samples    int       `json:"samples"`
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// TTSStatus is the final outcome of a job.
type TTSStatus struct {
	JobID      string    `json:"job_id"`
	Completed  bool      `json:"completed"`
	OutputPath string    `json:"output_path,omitempty"`
	Duration   float64   `json:"duration_seconds,omitempty"`
	SampleRate int       `json:"sample_rate,omitempty"`
	Utterances int       `json:"utterances,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectTTSRequest  = "tts.request"
	SubjectTTSProgress = "tts.progress"
	SubjectTTSDone     = "tts.done"

	// QueueTTSWorkers is the queue group daemons join on SubjectTTSRequest
	// so each job runs on exactly one node.
	QueueTTSWorkers = "tts-workers"

	SubjectNodeAnnounce  = "ctrl.node.announce"
	SubjectNodeHeartbeat = "ctrl.node.heartbeat"
	SubjectNodeLeave     = "ctrl.node.leave"
)
