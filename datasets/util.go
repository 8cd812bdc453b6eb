package datasets

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// DiscoverBatchIDs globs the files matching a path template and returns the
// batch identifiers found, in ascending order.
func DiscoverBatchIDs(template string) ([]int, error) {
	template = filepath.Clean(template)
	i := strings.Index(template, IDPlaceholder)
	if i < 0 {
		return nil, fmt.Errorf("path template %q has no %s placeholder", template, IDPlaceholder)
	}
	prefix, suffix := template[:i], template[i+len(IDPlaceholder):]
	matches, err := filepath.Glob(prefix + "*" + suffix)
	if err != nil {
		return nil, fmt.Errorf("failed to glob template %s: %w", template, err)
	}

	var ids []int
	for _, m := range matches {
		if !strings.HasPrefix(m, prefix) || !strings.HasSuffix(m, suffix) {
			continue
		}
		id, err := strconv.Atoi(m[len(prefix) : len(m)-len(suffix)])
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no batch files found matching template: %s", template)
	}
	sort.Ints(ids)
	return ids, nil
}

// prefixSums returns the cumulative counts of sizes: out[i] is the offset of
// entry i and out[len(sizes)] is the total.
func prefixSums(sizes []int) []int {
	cum := make([]int, len(sizes)+1)
	for i, s := range sizes {
		cum[i+1] = cum[i] + s
	}
	return cum
}
