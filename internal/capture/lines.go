package capture

import "strings"

// CountLines returns the number of lines in s. A final line without a
// trailing newline still counts.
func CountLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}

// lineDelta computes linesAdded and linesRemoved for t. fileContent is the
// resulting file and is only consulted for full overwrites.
func lineDelta(t Trigger, fileContent string) (added, removed int) {
	switch tr := t.(type) {
	case WriteTrigger:
		return CountLines(fileContent), 0
	case EditTrigger:
		return CountLines(tr.NewString), CountLines(tr.OldString)
	case MultiEditTrigger:
		for _, s := range tr.Edits {
			added += CountLines(s.NewString)
			removed += CountLines(s.OldString)
		}
		return added, removed
	default:
		return 0, 0
	}
}
