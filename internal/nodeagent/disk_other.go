//go:build !linux && !darwin

package nodeagent

import "errors"

func diskUsage(path string) (total, free uint64, err error) {
	return 0, 0, errors.New("disk usage not supported on this platform")
}
