//go:build !unix

package mmap

import "os"

func mapFile(*os.File, int64) ([]byte, func() error, error) {
	return nil, nil, errUnsupported
}
