// disk_usage.go — ёмкость диска директории данных для /api/v1/info.
package main

import (
	"fmt"
	"syscall"

	"github.com/bigkaa/download-engine/internal/api/handlers"
)

// diskUsageFn замыкает getDiskUsage на директорию данных.
func diskUsageFn(dataDir string) handlers.DiskUsageFunc {
	return func() (int64, int64, int64, error) {
		return getDiskUsage(dataDir)
	}
}

// getDiskUsage возвращает total, used, available в байтах.
// available — место, доступное непривилегированному процессу (Bavail),
// поэтому used + available может быть меньше total.
func getDiskUsage(path string) (total, used, available int64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, 0, fmt.Errorf("ошибка statfs %s: %w", path, err)
	}

	bsize := int64(stat.Bsize)
	total = int64(stat.Blocks) * bsize
	used = (int64(stat.Blocks) - int64(stat.Bfree)) * bsize
	available = int64(stat.Bavail) * bsize
	return total, used, available, nil
}
