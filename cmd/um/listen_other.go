//go:build !windows

package main

import (
	"errors"
	"net"
	"os"
	"path/filepath"
)

func getListenAddress(pipeName string) string {
	if pipeName != "" {
		return pipeName
	}
	return filepath.Join(os.TempDir(), "um_service.sock")
}

// listen 使用 Unix 域套接字，先清理上次遗留的套接字文件
func listen(addr string) (net.Listener, error) {
	if err := os.Remove(addr); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return net.Listen("unix", addr)
}
