package messenger

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// maxFrameSize bounds a single frame body. Statements and result sets fit
// comfortably; anything larger is a protocol error, not a workload.
const maxFrameSize = 8 * 1024 * 1024

// writeFrame writes a frame to the connection with the format:
// - 4 bytes: body length (uint32, big endian)
// - N bytes: body
func writeFrame(conn net.Conn, body []byte) error {
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(body)))

	b := net.Buffers{header, body}
	_, err := b.WriteTo(conn)
	return err
}

// readFrame reads one length-prefixed frame from the connection.
func readFrame(conn net.Conn) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header)
	if length == 0 {
		return []byte{}, nil
	}
	if length > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit of %d", length, maxFrameSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, err
	}
	return body, nil
}
