//go:build cgosqlite

package snapshot

// cgo-backed sqlite driver, opted into with -tags cgosqlite, for
// deployments where cgo is available and the extra throughput is worth
// the build dependency.
import _ "github.com/mattn/go-sqlite3"

const sqliteDriverName = "sqlite3"
