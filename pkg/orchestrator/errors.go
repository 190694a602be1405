package orchestrator

import "strings"

// unknownErrorMessage is the fallback when the tool output carries nothing
// usable.
const unknownErrorMessage = "Build failed with unknown error"

// failureMarkers are scanned in line order; the first line containing any
// marker becomes the user-facing error message.
var failureMarkers = []string{
	"Error:",
	"FAILURE:",
	"BUILD FAILED",
	"Could not",
	"Unable to",
}

// ExtractErrorMessage reduces full tool output to a single displayable line:
// the first line carrying a known failure marker, else the last non-empty
// line, else a fixed fallback.
func ExtractErrorMessage(output string) string {
	lines := strings.Split(output, "\n")

	for _, line := range lines {
		for _, marker := range failureMarkers {
			if strings.Contains(line, marker) {
				return strings.TrimSpace(line)
			}
		}
	}

	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			return trimmed
		}
	}

	return unknownErrorMessage
}

// ExtractGradleContext pulls the "What went wrong" section out of Gradle
// failure output, for the diagnostic log. Empty when the output has no
// recognizable Gradle failure block.
func ExtractGradleContext(output string) string {
	lines := strings.Split(output, "\n")

	var section []string
	inFailure := false
	for _, line := range lines {
		if strings.Contains(line, "FAILURE: Build failed with an exception.") {
			inFailure = true
			continue
		}
		if !inFailure {
			continue
		}
		if strings.Contains(line, "BUILD FAILED") {
			break
		}
		if trimmed := strings.TrimSpace(line); trimmed != "" && !strings.HasPrefix(trimmed, "[") {
			section = append(section, trimmed)
		}
	}
	if len(section) == 0 {
		return ""
	}

	var wrong []string
	capture := false
	for _, line := range section {
		if strings.Contains(line, "What went wrong:") {
			capture = true
			continue
		}
		if capture && strings.HasPrefix(line, "*") {
			break
		}
		if capture {
			wrong = append(wrong, line)
		}
	}
	if len(wrong) > 0 {
		return strings.Join(wrong, " ")
	}

	if len(section) > 3 {
		section = section[:3]
	}
	return strings.Join(section, " ")
}
