package cascade

import (
	"regexp"
	"sort"

	"github.com/PuerkitoBio/purell"
)

var urlRegex = regexp.MustCompile(`https?://[^\s<>"'\)\]]+`)

// extractURLs finds http(s) URLs in free text and returns them normalized and
// de-duplicated, in sorted order. Unparseable URLs are dropped.
func extractURLs(texts ...string) []string {
	seen := map[string]bool{}
	for _, txt := range texts {
		for _, raw := range urlRegex.FindAllString(txt, -1) {
			clean, err := purell.NormalizeURLString(raw, purell.FlagsUsuallySafeGreedy|purell.FlagRemoveDirectoryIndex|purell.FlagRemoveFragment|purell.FlagRemoveDuplicateSlashes|purell.FlagRemoveWWW|purell.FlagSortQuery)
			if err != nil {
				continue
			}
			seen[clean] = true
		}
	}
	out := make([]string, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
