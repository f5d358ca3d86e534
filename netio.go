package rheia

import (
	"net"

	"github.com/sagernet/sing/common/bufio"
)

// writeAll flushes payload to conn, preferring a vectorised write when the
// connection supports one via bufio.CreateVectorisedWriter/WriteVectorised,
// falling back to a plain Write otherwise. It loops to cover a short write
// from either path.
func writeAll(conn net.Conn, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	if bw, ok := bufio.CreateVectorisedWriter(conn); ok {
		for len(payload) > 0 {
			n, err := bufio.WriteVectorised(bw, [][]byte{payload})
			if err != nil {
				return err
			}
			payload = payload[n:]
		}
		return nil
	}
	for len(payload) > 0 {
		n, err := conn.Write(payload)
		if err != nil {
			return err
		}
		payload = payload[n:]
	}
	return nil
}
