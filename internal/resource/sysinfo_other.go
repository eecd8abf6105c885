//go:build !linux

package resource

import "errors"

func sysinfoFree() (uint64, error) {
	return 0, errors.New("sysinfo is only available on linux")
}
