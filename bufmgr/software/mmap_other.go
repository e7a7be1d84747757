//go:build !unix

package software

func mapBacking(size uint64) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapBacking(data []byte) error {
	return nil
}
