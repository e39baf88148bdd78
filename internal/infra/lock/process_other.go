//go:build !unix

package lock

// processRunning cannot be checked cheaply here; assume the holder is alive
func processRunning(pid int) bool {
	return pid > 0
}
