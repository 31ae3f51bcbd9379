// Package preflight checks that a data directory can host a store before
// anything is opened: write access, free disk space, the open file limit
// and whether another process already holds the store lock.
//
//	checker := preflight.New()
//	results := checker.RunAll(ctx, dataDir)
//	if checker.HasCriticalFailures(results) {
//	    // refuse to continue
//	}
package preflight
