//go:build !unix && !windows

package jit

import "errors"

func mapExecutable(size int) ([]byte, error) {
	return nil, errors.New("executable memory not supported on this platform")
}

func unmapExecutable(mem []byte) error {
	return nil
}
