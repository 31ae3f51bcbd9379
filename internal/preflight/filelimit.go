package preflight

import (
	"fmt"
	"syscall"
)

// MinFileDescriptors is the default open file limit required. The sqlite
// backend holds the database, its WAL and the lock file; bleve adds its
// segment files.
const MinFileDescriptors = 256

// CheckFileDescriptors checks if the file descriptor limit is sufficient.
func (c *Checker) CheckFileDescriptors() CheckResult {
	result := CheckResult{
		Name:     "file_descriptors",
		Required: true,
	}

	var rLimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("failed to check file descriptor limit: %v", err)
		return result
	}

	result.Message = fmt.Sprintf("%d (minimum: %d)", rLimit.Cur, c.minFiles)
	if rLimit.Cur < c.minFiles {
		result.Status = StatusFail
		result.Details = fmt.Sprintf("Run 'ulimit -n %d' to increase the limit", c.minFiles*4)
		return result
	}
	result.Status = StatusPass
	return result
}
