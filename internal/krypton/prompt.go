package krypton

import (
	"fmt"
	"strings"
)

// composePrompt builds the next prompt for the agent. The first exchange
// carries the task description; retries regenerate it with the failure
// feedback, and a rotated session is re-grounded with the checkpoint note
// since the fresh conversation has no prior context.
func composePrompt(description, checkpointNote, feedback string) string {
	var b strings.Builder
	b.WriteString(description)
	if checkpointNote != "" {
		b.WriteString("\n\nYou are continuing earlier work on this task. Summary of progress so far:\n")
		b.WriteString(checkpointNote)
	}
	if feedback != "" {
		b.WriteString("\n\nThe previous attempt was not accepted. Address the following before finishing:\n")
		b.WriteString(feedback)
	}
	return b.String()
}

// buildFeedback condenses a rejection into the bullet list the retry
// prompt carries.
func buildFeedback(reason string, issues, scorerReasons []string) string {
	var lines []string
	if reason != "" {
		lines = append(lines, "- "+reason)
	}
	for _, is := range issues {
		lines = append(lines, "- "+is)
	}
	for _, r := range scorerReasons {
		lines = append(lines, "- reviewer: "+r)
	}
	return strings.Join(lines, "\n")
}

// checkpointSummary is the progress note persisted with a checkpoint and
// replayed into the first prompt of the replacement session.
func checkpointSummary(description string, iterations int, lastOutcome string) string {
	return fmt.Sprintf("task: %s\niterations completed: %d\nlast outcome: %s", description, iterations, lastOutcome)
}
