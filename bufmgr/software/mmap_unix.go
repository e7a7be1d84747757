//go:build unix

package software

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

func mapBacking(size uint64) ([]byte, error) {
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "mapping %d bytes of backing memory", size)
	}
	return data, nil
}

func unmapBacking(data []byte) error {
	return unix.Munmap(data)
}
