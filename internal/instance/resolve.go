package instance

import "github.com/Mokksdz/manchengo-sub003/internal/config"

const DefaultName = "main"

// Resolve determines the active instance name using precedence:
// 1. flagOverride (--instance flag)
// 2. EVENTLOG_INSTANCE or default_instance in <root>/config.toml
// 3. "main"
func Resolve(root, flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.LoadOrDefault(ConfigPath(root))
	if err == nil && cfg.DefaultInstance != "" {
		return cfg.DefaultInstance
	}
	return DefaultName
}
