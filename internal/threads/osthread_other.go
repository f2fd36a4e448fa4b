//go:build !linux

package threads

// osThreadID is unknown on platforms without gettid.
func osThreadID() int {
	return 0
}
