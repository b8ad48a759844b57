// Modul: memory_linux.go
// Beschreibung: Linux-Implementierung der Speicher-Ermittlung.
// Liest /proc/meminfo, beachtet cgroup-Limits und faellt auf sysinfo(2)
// zurueck, wenn /proc nicht lesbar ist.

package discover

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/Sygil-Dev/diffusers/format"
)

func systemMemory() (Memory, error) {
	mem, err := readMeminfo("/proc/meminfo")
	if err != nil {
		return sysinfoMemory()
	}

	return clampByCgroup(mem, "/sys/fs/cgroup"), nil
}

func readMeminfo(path string) (Memory, error) {
	f, err := os.Open(path)
	if err != nil {
		return Memory{}, err
	}
	defer f.Close()

	var total, available, free, buffers, cached uint64
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := s.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			_, err = fmt.Sscanf(line, "MemTotal:%d", &total)
		case strings.HasPrefix(line, "MemAvailable:"):
			_, err = fmt.Sscanf(line, "MemAvailable:%d", &available)
		case strings.HasPrefix(line, "MemFree:"):
			_, err = fmt.Sscanf(line, "MemFree:%d", &free)
		case strings.HasPrefix(line, "Buffers:"):
			_, err = fmt.Sscanf(line, "Buffers:%d", &buffers)
		case strings.HasPrefix(line, "Cached:"):
			_, err = fmt.Sscanf(line, "Cached:%d", &cached)
		default:
			continue
		}
		if err != nil {
			return Memory{}, err
		}
	}

	mem := Memory{Total: total * format.KibiByte}
	if available > 0 {
		mem.Free = available * format.KibiByte
	} else {
		// Aeltere Kernel ohne MemAvailable
		mem.Free = (free + buffers + cached) * format.KibiByte
	}

	return mem, nil
}

// clampByCgroup begrenzt die Host-Werte auf das cgroup-v2-Limit des
// Prozesses. "max" in memory.max bedeutet unbegrenzt und schlaegt beim
// Parsen fehl, der Host-Wert bleibt dann stehen.
func clampByCgroup(mem Memory, root string) Memory {
	limit, err := readUintFile(root + "/memory.max")
	if err != nil || limit >= mem.Total {
		return mem
	}

	mem.Total = limit
	if used, err := readUintFile(root + "/memory.current"); err == nil && used < limit {
		mem.Free = limit - used
	} else {
		mem.Free = min(mem.Free, limit)
	}

	return mem
}

func readUintFile(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}

func sysinfoMemory() (Memory, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return Memory{}, err
	}

	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}

	return Memory{
		Total: uint64(info.Totalram) * unit,
		Free:  uint64(info.Freeram) * unit,
	}, nil
}
