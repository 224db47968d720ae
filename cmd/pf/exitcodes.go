package main

// Exit codes
const (
	ExitSuccess        = 0 // Success, including runs with per-item failures
	ExitError          = 1 // General error (invalid arguments, runtime failure)
	ExitConfigError    = 2 // Missing credentials, no write access, unusable model
	ExitDataError      = 3 // Malformed input, unreadable records file
	ExitNothingMatched = 4 // The selection matched no items
)
