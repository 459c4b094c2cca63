//go:build linux || darwin

package nodeagent

import "syscall"

// diskUsage 返回路径所在文件系统的总量与可用量（字节）
func diskUsage(path string) (total, free uint64, err error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	bsize := uint64(st.Bsize)
	return st.Blocks * bsize, st.Bavail * bsize, nil
}
