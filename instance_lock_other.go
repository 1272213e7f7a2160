//go:build !unix && !windows

package watchdog

import "errors"

func acquireLock(string, string) (lockHandle, bool, error) {
	return nil, false, errors.New("instance lock not supported on this platform")
}
