//go:build windows

package watchdog

import (
	"errors"

	"golang.org/x/sys/windows"
)

// mutexHandle is a named kernel mutex. Windows destroys it when the last
// handle closes, including on process death.
type mutexHandle struct {
	h windows.Handle
}

func acquireLock(name, _ string) (lockHandle, bool, error) {
	namePtr, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, false, err
	}
	h, err := windows.CreateMutex(nil, false, namePtr)
	if err != nil {
		if errors.Is(err, windows.ERROR_ALREADY_EXISTS) {
			if h != 0 {
				_ = windows.CloseHandle(h)
			}
			return nil, false, nil
		}
		return nil, false, err
	}
	return &mutexHandle{h: h}, true, nil
}

func (m *mutexHandle) release() error {
	return windows.CloseHandle(m.h)
}
