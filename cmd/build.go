package cmd

// Set with -ldflags "-X github.com/bronystylecrazy/ultrasync/cmd.Version=...".
var (
	Name      = "ultrasync"
	Version   = "v0.0.0-development"
	Commit    = "unknown"
	BuildDate = "unknown"
)
