package fdio

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
)

// FreeSpace returns the bytes available on the filesystem holding dir.
func FreeSpace(dir string) (uint64, error) {
	stat, err := disk.Usage(dir)
	if err != nil {
		return 0, fmt.Errorf("disk usage %s: %w", dir, err)
	}
	return stat.Free, nil
}
