package proto

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Version is the current replication frame version.
const Version = 1

// maxFrameLen bounds a frame read off the wire. A Delta's range list is
// bounded by the live window of one connection, so anything near this is a
// corrupt or hostile stream.
const maxFrameLen = 16 << 20

// frame header: 4-byte big-endian payload length, 4-byte big-endian version.
const headerLen = 8

// WriteEnvelope writes one length-prefixed, versioned frame to dst. It is
// expected to be read back with ReadEnvelope.
func WriteEnvelope(dst io.Writer, env *Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "can't encode replication frame")
	}

	var buf bytes.Buffer
	buf.Grow(headerLen + len(payload))
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(payload))); err != nil {
		panic(fmt.Errorf("could not binary encode a uint32: %v", err))
	}
	if err := binary.Write(&buf, binary.BigEndian, uint32(Version)); err != nil {
		panic(fmt.Errorf("could not binary encode a uint32: %v", err))
	}
	buf.Write(payload)

	if _, err := dst.Write(buf.Bytes()); err != nil {
		return errors.Wrap(err, "could not write replication frame")
	}
	return nil
}

// ReadEnvelope reads one frame written by WriteEnvelope. It returns the
// frame's version; unknown newer versions still decode since fields are only
// ever added.
func ReadEnvelope(src io.Reader, env *Envelope) (uint32, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(src, hdr[:]); err != nil {
		if err == io.EOF {
			return 0, io.EOF
		}
		return 0, errors.Wrap(err, "protocol error: could not read frame header")
	}
	payloadLen := binary.BigEndian.Uint32(hdr[0:4])
	version := binary.BigEndian.Uint32(hdr[4:8])
	if payloadLen > maxFrameLen {
		return 0, errors.Errorf("protocol error: frame of %v bytes exceeds limit", payloadLen)
	}

	data := make([]byte, payloadLen)
	if _, err := io.ReadFull(src, data); err != nil {
		return 0, errors.Wrapf(err, "unable to read frame payload of %v bytes", payloadLen)
	}
	if err := json.Unmarshal(data, env); err != nil {
		return 0, errors.Wrap(err, "can't decode replication frame")
	}
	return version, nil
}
