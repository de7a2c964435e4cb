package workspace

import (
	"fmt"
	"strings"
)

// unifiedDiff renders a minimal unified diff between before and after.
// Edits here replace one contiguous region, so a single hunk with common
// prefix/suffix trimming is exact.
func unifiedDiff(name, before, after string) string {
	a := strings.Split(before, "\n")
	b := strings.Split(after, "\n")

	pre := 0
	for pre < len(a) && pre < len(b) && a[pre] == b[pre] {
		pre++
	}
	post := 0
	for post < len(a)-pre && post < len(b)-pre && a[len(a)-1-post] == b[len(b)-1-post] {
		post++
	}

	removed := a[pre : len(a)-post]
	added := b[pre : len(b)-post]
	if len(removed) == 0 && len(added) == 0 {
		return ""
	}

	const ctx = 2
	ctxStart := pre - ctx
	if ctxStart < 0 {
		ctxStart = 0
	}
	ctxEndA := len(a) - post + ctx
	if ctxEndA > len(a) {
		ctxEndA = len(a)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "--- a/%s\n+++ b/%s\n", name, name)
	fmt.Fprintf(&sb, "@@ -%d,%d +%d,%d @@\n",
		ctxStart+1, ctxEndA-ctxStart,
		ctxStart+1, ctxEndA-ctxStart-len(removed)+len(added))
	for _, l := range a[ctxStart:pre] {
		sb.WriteString(" " + l + "\n")
	}
	for _, l := range removed {
		sb.WriteString("-" + l + "\n")
	}
	for _, l := range added {
		sb.WriteString("+" + l + "\n")
	}
	for _, l := range a[len(a)-post : ctxEndA] {
		sb.WriteString(" " + l + "\n")
	}
	return sb.String()
}
