//go:build !unix

package mem

// Plain heap memory; no backend maps it on these platforms.
func mapAnonymous(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapAnonymous([]byte) error {
	return nil
}
