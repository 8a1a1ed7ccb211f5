package protocol

import "time"

// Version is the only protocol version spoken to script tools.
const Version = 1

// Request is the envelope written to a script tool's stdin.
type Request struct {
	Protocol int    `json:"protocol"`
	JobID    string `json:"job_id"`
	Tool     string `json:"tool"`

	WorkPath   string `json:"work_path"`
	DataPath   string `json:"data_path"`
	ScratchDir string `json:"scratch_dir"`
	ResultDir  string `json:"result_dir"`
	OutputDir  string `json:"output_dir"`

	Config map[string]any `json:"config,omitempty"`
	// Partitions maps each configured table to its latest partition value.
	Partitions map[string]string `json:"partitions,omitempty"`
	DeadlineAt time.Time         `json:"deadline_at"`
}

// Response is the envelope a script tool prints on stdout.
type Response struct {
	Status string `json:"status"` // ok | error
	Error  string `json:"error,omitempty"`
	// Outputs names result files to deliver, in addition to the configured ones.
	Outputs []string   `json:"outputs,omitempty"`
	Logs    []LogEntry `json:"logs,omitempty"`
}

// LogEntry represents a log message from a script tool.
type LogEntry struct {
	Level   string `json:"level"` // info | warn | error | debug
	Message string `json:"message"`
}
