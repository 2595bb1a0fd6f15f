package drive

import (
	"path"
	"strconv"
	"strings"
)

// UniqueName returns name, or "base (n).ext" with the smallest n >= 1 for
// which taken reports false.
func UniqueName(name string, taken func(string) bool) string {
	if !taken(name) {
		return name
	}
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for n := 1; ; n++ {
		candidate := base + " (" + strconv.Itoa(n) + ")" + ext
		if !taken(candidate) {
			return candidate
		}
	}
}
