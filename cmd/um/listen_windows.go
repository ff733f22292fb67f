//go:build windows

package main

import (
	"net"

	"github.com/Microsoft/go-winio"
)

func getListenAddress(pipeName string) string {
	if pipeName != "" {
		return pipeName
	}
	return `\\.\pipe\um_service`
}

// listen 使用 Windows 命名管道
func listen(addr string) (net.Listener, error) {
	return winio.ListenPipe(addr, nil)
}
