package files

import "syscall"

// diskUsage reports the size and the space available to unprivileged
// writers on the filesystem holding path. Zeros mean unknown.
func diskUsage(path string) (total, free uint64) {
	var st syscall.Statfs_t
	if syscall.Statfs(path, &st) != nil {
		return 0, 0
	}
	bsize := uint64(st.Bsize)
	return st.Blocks * bsize, st.Bavail * bsize
}
