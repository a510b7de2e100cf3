package dispatch

import (
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// SummarizePatch renders a short per-file summary of a unified diff for
// the approval prompt. Unparseable input falls back to the raw text.
func SummarizePatch(unifiedDiff string) string {
	fileDiffs, err := diff.ParseMultiFileDiff([]byte(unifiedDiff))
	if err != nil || len(fileDiffs) == 0 {
		return unifiedDiff
	}

	var b strings.Builder
	for _, fd := range fileDiffs {
		added, removed := countChanges(fd)
		fmt.Fprintf(&b, "%s (+%d -%d)\n", patchFileName(fd), added, removed)
	}
	return strings.TrimRight(b.String(), "\n")
}

func patchFileName(fd *diff.FileDiff) string {
	name := fd.NewName
	if name == "" || name == "/dev/null" {
		name = fd.OrigName
	}
	return strings.TrimPrefix(strings.TrimPrefix(name, "a/"), "b/")
}

func countChanges(fd *diff.FileDiff) (added, removed int) {
	for _, hunk := range fd.Hunks {
		for _, line := range strings.Split(string(hunk.Body), "\n") {
			switch {
			case strings.HasPrefix(line, "+"):
				added++
			case strings.HasPrefix(line, "-"):
				removed++
			}
		}
	}
	return added, removed
}
