//go:build !cgosqlite

package snapshot

// Pure-Go sqlite driver, the default build: no cgo toolchain required.
import _ "modernc.org/sqlite"

const sqliteDriverName = "sqlite"
