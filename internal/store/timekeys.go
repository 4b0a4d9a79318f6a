package store

import (
	"fmt"
	"time"
)

// timeOrderKey formats a lexicographically time-sortable suffix, used so
// goleveldb's natural key-order iteration doubles as chronological
// iteration for transactions, messages, and audit entries.
func timeOrderKey(t time.Time, id string) string {
	return fmt.Sprintf("%020d-%s", t.UnixNano(), id)
}
