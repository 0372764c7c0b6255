package extract

import (
	"encoding/json"
	"regexp"

	"github.com/ethereum/go-ethereum/log"

	"github.com/sith-oath/apexd/metrics"
)

var markerRe = regexp.MustCompile(`(?is)<ANALYTICS>(.*?)</ANALYTICS>`)

// ParseMarkers returns the objects inside every <ANALYTICS>[...]</ANALYTICS>
// block of body, in order of appearance. A block whose interior is not a JSON
// array is skipped; skipped reports how many were. Array elements that are not
// objects are dropped without affecting their sibling objects.
func ParseMarkers(body string) (events []map[string]any, skipped int) {
	events = make([]map[string]any, 0)
	for _, m := range markerRe.FindAllStringSubmatch(body, -1) {
		var elems []any
		if err := json.Unmarshal([]byte(m[1]), &elems); err != nil {
			log.Warn("skipping malformed analytics block", "err", err, "len", len(m[1]))
			metrics.RecordMarkerParseError()
			skipped++
			continue
		}
		for i, elem := range elems {
			obj, ok := elem.(map[string]any)
			if !ok {
				log.Debug("dropping non-object analytics element", "index", i)
				continue
			}
			events = append(events, obj)
		}
	}
	return events, skipped
}
