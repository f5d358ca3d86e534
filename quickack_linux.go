//go:build linux

package rheia

import "syscall"

// tcpQuickAck is TCP_QUICKACK from <netinet/tcp.h>; the syscall package
// does not export it directly.
const tcpQuickAck = 0xC

func setQuickAck(fd uintptr) error {
	return syscall.SetsockoptInt(int(fd), syscall.IPPROTO_TCP, tcpQuickAck, 1)
}
