// Package scripts validates macro commands before the broker forwards them
// to a world. The check is a pure predicate over a denylist of patterns
// that would let a macro escape its sandbox.
package scripts

import "strings"

// RejectionMessage and Suggestion are the exact strings surfaced to REST
// callers when a command is rejected. Worlds rely on these being stable.
const (
	RejectionMessage = "Script contains forbidden patterns"
	Suggestion       = "Ensure the script does not access localStorage, sessionStorage, or eval()"
)

// forbidden lists substrings a macro command may never contain.
var forbidden = []string{
	"eval(",
	"localStorage",
	"sessionStorage",
	"new Function",
	"Function(",
	"document.cookie",
	"XMLHttpRequest",
	"importScripts",
}

// Forbidden returns every denylisted pattern found in command.
func Forbidden(command string) []string {
	var found []string
	for _, pattern := range forbidden {
		if strings.Contains(command, pattern) {
			found = append(found, pattern)
		}
	}
	return found
}

// Allowed reports whether command is free of forbidden patterns.
func Allowed(command string) bool {
	return len(Forbidden(command)) == 0
}
