package forge

import (
	"sort"
	"strconv"
)

// sortedKeys returns the keys of m in sorted order, the standard shape used
// throughout this package to fold a map into a digest.Builder deterministically.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// itoaResources renders a ResourceSet into the deterministic string folded
// into an action's structural key: resource estimates participate in the
// key because a recorded cache
// entry must not be reused once its declared resource shape changes.
func itoaResources(r ResourceSet) string {
	return strconv.FormatFloat(r.MemoryMB, 'g', -1, 64) + "|" +
		strconv.FormatFloat(r.CPU, 'g', -1, 64) + "|" +
		strconv.FormatFloat(r.IOShare, 'g', -1, 64) + "|" +
		strconv.FormatFloat(r.TestSlots, 'g', -1, 64)
}
