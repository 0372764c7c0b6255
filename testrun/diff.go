package testrun

import (
	"reflect"

	"github.com/sith-oath/apexd/salesforce"
)

// Queue item statuses.
const (
	StatusHolding    = "Holding"
	StatusQueued     = "Queued"
	StatusPreparing  = "Preparing"
	StatusProcessing = "Processing"
	StatusCompleted  = "Completed"
	StatusFailed     = "Failed"
	StatusAborted    = "Aborted"
)

var terminalStatuses = map[string]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusAborted:   true,
}

func IsTerminal(status string) bool {
	return terminalStatuses[status]
}

// Snapshot is the full ordered set of a job's queue items from one poll,
// keyed by camel-cased field names.
type Snapshot []salesforce.Record

// Diff returns the items of curr whose id is absent from prev or whose record
// differs from the one in prev, in curr order. Items only in prev are ignored.
func Diff(prev, curr Snapshot) Snapshot {
	byID := make(map[string]salesforce.Record, len(prev))
	for _, rec := range prev {
		byID[itemID(rec)] = rec
	}
	changed := make(Snapshot, 0)
	for _, rec := range curr {
		old, ok := byID[itemID(rec)]
		if ok && reflect.DeepEqual(old, rec) {
			continue
		}
		changed = append(changed, rec)
	}
	return changed
}

// IsCompleted reports whether s has at least one item and every item is in a
// terminal status.
func IsCompleted(s Snapshot) bool {
	if len(s) == 0 {
		return false
	}
	for _, rec := range s {
		if !IsTerminal(itemStatus(rec)) {
			return false
		}
	}
	return true
}

func itemID(rec salesforce.Record) string {
	return rec.String("id")
}

func itemStatus(rec salesforce.Record) string {
	return rec.String("status")
}
