package client

import (
	"runtime/debug"
	"sync"
	"time"
)

// Process-wide registry of open connections, used to diagnose connections
// abandoned without an explicit Close. Stack trace recording starts off and
// switches on, permanently, the first time a leak is observed; recording
// every creation stack up front would tax the common case for a diagnostic
// nobody needs until something leaks.
var watch = struct {
	sync.Mutex
	open       map[*Conn]*watchEntry
	keepStacks bool
}{open: make(map[*Conn]*watchEntry)}

type watchEntry struct {
	openedAt time.Time
	stack    []byte // creation stack, recorded once a leak has been seen
}

func registerConn(c *Conn) {
	pollLeaked()
	watch.Lock()
	e := &watchEntry{openedAt: time.Now()}
	if watch.keepStacks {
		e.stack = debug.Stack()
	}
	watch.open[c] = e
	watch.Unlock()
}

func unregisterConn(c *Conn) {
	watch.Lock()
	delete(watch.open, c)
	watch.Unlock()
}

// pollLeaked force-closes connections whose session is already gone but
// which were never closed by the application. Runs on every new connection.
// Finding one flips stack recording on for all future connections.
func pollLeaked() {
	watch.Lock()
	leaked := make(map[*Conn]*watchEntry)
	for c, e := range watch.open {
		if !c.closed && c.session.Closed() {
			leaked[c] = e
			delete(watch.open, c)
		}
	}
	if len(leaked) > 0 {
		watch.keepStacks = true
	}
	watch.Unlock()
	for c, e := range leaked {
		c.log.Error("connection not closed by application",
			"openedAgo", time.Since(e.openedAt).String(),
			"stack", string(e.stack))
		c.Close()
	}
}

// LeakCheck force-closes every connection still open in this process and
// returns how many there were. It is the deterministic hook for test
// teardown and shutdown paths where all connections are expected to be
// closed already. Any leak found switches creation stack trace recording on
// for all future connections; the switch is one-way.
func LeakCheck() int {
	watch.Lock()
	var leaked []*Conn
	entries := make(map[*Conn]*watchEntry, len(watch.open))
	for c, e := range watch.open {
		leaked = append(leaked, c)
		entries[c] = e
		delete(watch.open, c)
	}
	if leaked != nil {
		watch.keepStacks = true
	}
	watch.Unlock()
	for _, c := range leaked {
		e := entries[c]
		c.log.Error("connection leak",
			"openedAgo", time.Since(e.openedAt).String(),
			"stack", string(e.stack))
		c.Close()
	}
	return len(leaked)
}

// StackTracesEnabled reports whether creation stack traces are being
// recorded for new connections.
func StackTracesEnabled() bool {
	watch.Lock()
	defer watch.Unlock()
	return watch.keepStacks
}
