//go:build !linux

package detector

// pinThread is a no-op where thread affinity is unavailable.
func pinThread(cores []int) error {
	return nil
}
