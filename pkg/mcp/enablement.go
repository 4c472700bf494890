package mcp

// EssentialBuiltinTools are always available regardless of the active
// profile's builtin allowlist. Per-tool disables still apply.
var EssentialBuiltinTools = map[string]bool{
	"get_current_time": true,
}

// EnablementInputs carries every fact the enablement verdict depends on.
// Server fields are ignored for builtin tools.
type EnablementInputs struct {
	ServerRuntimeEnabled bool
	ServerConfigDisabled bool
	ToolDisabled         bool
	IsBuiltin            bool
	AllowlistActive      bool
	Allowlisted          bool
}

// ToolEnabled computes the effective enablement of one tool from its
// inputs alone. A per-tool disable beats everything. Builtins bypass
// server state and instead answer to the profile allowlist, except for
// the essential subset which ignores the allowlist entirely.
func ToolEnabled(in EnablementInputs, toolName string) bool {
	if in.ToolDisabled {
		return false
	}
	if in.IsBuiltin {
		if EssentialBuiltinTools[toolName] {
			return true
		}
		if in.AllowlistActive && !in.Allowlisted {
			return false
		}
		return true
	}
	if in.ServerConfigDisabled {
		return false
	}
	return in.ServerRuntimeEnabled
}
