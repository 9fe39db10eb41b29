package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied without a restart are reported
// individually; everything else is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AgentChanged is true if any agent setting differs. The two flags below
	// narrow it down for logging.
	AgentChanged        bool
	SystemPromptChanged bool
	MaxTurnsChanged     bool

	// RestartRequired names the top-level sections that changed but are only
	// read at startup.
	RestartRequired []string
}

// Empty reports whether d carries no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.AgentChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !reflect.DeepEqual(old.Agent, new.Agent) {
		d.AgentChanged = true
		d.SystemPromptChanged = old.Agent.SystemPrompt != new.Agent.SystemPrompt ||
			old.Agent.SystemPromptFile != new.Agent.SystemPromptFile
		d.MaxTurnsChanged = old.Agent.MaxTurns != new.Agent.MaxTurns
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !reflect.DeepEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if !reflect.DeepEqual(old.MCP, new.MCP) {
		d.RestartRequired = append(d.RestartRequired, "mcp")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}

	return d
}
