package domain

import "time"

// TerminalStatus is the lifecycle state of a terminal.
type TerminalStatus string

const (
	// TerminalReady means the shell started inside the sandbox.
	TerminalReady TerminalStatus = "ready"
)

// Terminal describes a shell process started inside a sandbox.
type Terminal struct {
	TerminalID       string         `json:"terminalId"`
	Name             string         `json:"name"`
	SandboxID        string         `json:"sandboxId"`
	WorkingDirectory string         `json:"workingDirectory"`
	Status           TerminalStatus `json:"status"`
	CreatedAt        time.Time      `json:"createdAt"`
}
