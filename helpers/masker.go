package helpers

import "strings"

// MaskSensitive redacts credentials from a wire log line. It keeps the
// tag, the command and the first argument (username or SASL mechanism)
// and replaces the remainder, so LOGIN and AUTHENTICATE lines can be
// logged safely in debug mode.
func MaskSensitive(line, command string, sensitiveCommands ...string) string {
	isSensitive := false
	for _, cmd := range sensitiveCommands {
		if strings.EqualFold(command, cmd) {
			isSensitive = true
			break
		}
	}
	if !isSensitive {
		return line
	}

	parts := strings.Fields(line)
	cmdIndex := -1
	for i, p := range parts {
		if strings.EqualFold(p, command) {
			cmdIndex = i
			break
		}
	}
	if cmdIndex == -1 {
		return line
	}

	// <tag> LOGIN <user> <pass> or <tag> AUTHENTICATE <mech> <data>:
	// everything after the first argument is redacted.
	keep := cmdIndex + 2
	if len(parts) > keep {
		return strings.Join(parts[:keep], " ") + " [REDACTED]"
	}
	return line
}
