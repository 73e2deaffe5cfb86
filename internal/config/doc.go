// Package config holds the application configuration.
//
// Configuration is read from a TOML or YAML file (chosen by extension),
// overlaid with IDLELOAD_* environment variables, decoded into Config and
// validated. A missing file is not an error: defaults apply.
//
//	[incremental]
//	enabled = true
//	first_idle = "2s"
//	idle = "750ms"
//	busy_policy = "abort"
//
//	[[incremental.group]]
//	name = "org"
//	units = ["calendar", "org"]
//
//	[units]
//	paths = ["~/.config/idleload/units"]
//
//	[logging]
//	level = "info"
//
//	[metrics]
//	addr = ":9464"
//
// Durations accept Go duration strings ("750ms") or numbers of seconds
// (0.75).
package config
