package protocol

// HELLO (observer -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Name            string `json:"name,omitempty"`
	// Categories restricts the COMMIT stream; empty means all.
	Categories []string `json:"categories,omitempty"`
	MaxQueue   int      `json:"max_queue,omitempty"`
}

// WELCOME (server -> observer)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	Shard           string `json:"shard"`
	Tick            uint64 `json:"tick"`
	TickRateHz      int    `json:"tick_rate_hz"`
}

// COMMIT (server -> observer): one per tick with at least one change.
type CommitMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	Tick            uint64         `json:"tick"`
	CommitID        string         `json:"commit_id"`
	Digest          string         `json:"digest"`
	Changes         []ChangeRef    `json:"changes"`
	Coerced         []string       `json:"coerced,omitempty"`
	Result          *LoopResultMsg `json:"result,omitempty"`
}

type ChangeRef struct {
	Category string `json:"category"`
	Name     string `json:"name"`
	Op       string `json:"op"` // "set" | "remove"
	Role     string `json:"role,omitempty"`
}

type LoopResultMsg struct {
	Error string  `json:"error,omitempty"`
	CPUMs float64 `json:"cpu_ms"`
}

// Change ops.
const (
	OpSet    = "set"
	OpRemove = "remove"
)
