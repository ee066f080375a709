package serial

import "fmt"

// Bridge frame layout:
//
//	[len][channel][payload...][crc hi][crc lo][sync]
//
// len counts the whole frame. The CRC covers len, channel and payload.
const (
	FrameMin         = 5
	FrameMax         = 255
	FrameHeaderSize  = 2
	FrameTrailerSize = 3
	FramePayloadMax  = FrameMax - FrameMin
	FrameSync        = 0x7e

	framePosLen     = 0
	framePosChannel = 1
)

// Channel bytes on the bridge. ChannelRead marks a read request from the
// host and the matching reply from the bridge.
const (
	ChannelControl  byte = 0x00
	ChannelCmd      byte = 0x01
	ChannelSettings byte = 0x02
	ChannelSchedule byte = 0x03
	ChannelStatus   byte = 0x04
	ChannelTime     byte = 0x05
	ChannelRead     byte = 0x80
)

// CRC16CCITT is the bitwise CRC16-CCITT used on the bridge.
func CRC16CCITT(buf []byte) (byte, byte) {
	var crc uint16 = 0xffff
	for _, b := range buf {
		data := uint16(b)
		data ^= crc & 0xff
		data ^= (data & 0x0f) << 4
		crc = (crc >> 8) ^ (data << 8) ^ (data << 3) ^ (data >> 4)
	}
	return byte(crc >> 8), byte(crc & 0xff)
}

// Frame is one decoded bridge frame.
type Frame struct {
	Channel byte
	Payload []byte
}

// EncodeFrame wraps payload for the bridge.
func EncodeFrame(channel byte, payload []byte) ([]byte, error) {
	if len(payload) > FramePayloadMax {
		return nil, fmt.Errorf("serial: frame payload %d bytes exceeds %d", len(payload), FramePayloadMax)
	}
	out := make([]byte, 0, len(payload)+FrameMin)
	out = append(out, byte(len(payload)+FrameMin), channel)
	out = append(out, payload...)
	crcHi, crcLo := CRC16CCITT(out)
	return append(out, crcHi, crcLo, FrameSync), nil
}

// Decoder reassembles frames from a byte stream. Corrupt input is skipped
// until the next plausible frame start.
type Decoder struct {
	buf []byte
	// Dropped counts bytes discarded while resynchronizing.
	Dropped int
}

// Feed appends data and returns every complete frame now available.
func (d *Decoder) Feed(data []byte) []Frame {
	d.buf = append(d.buf, data...)
	var frames []Frame
	for len(d.buf) >= FrameMin {
		n := checkFrame(d.buf)
		if n == 0 {
			break
		}
		if n < 0 {
			d.resync()
			continue
		}
		payload := make([]byte, n-FrameMin)
		copy(payload, d.buf[FrameHeaderSize:n-FrameTrailerSize])
		frames = append(frames, Frame{Channel: d.buf[framePosChannel], Payload: payload})
		d.buf = d.buf[n:]
	}
	return frames
}

// Buffered returns the number of bytes waiting for the rest of a frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// checkFrame returns the frame length if buf starts with a valid frame,
// 0 if more data is needed and -1 if the start is invalid.
func checkFrame(buf []byte) int {
	n := int(buf[framePosLen])
	if n < FrameMin {
		return -1
	}
	if len(buf) < n {
		return 0
	}
	if buf[n-1] != FrameSync {
		return -1
	}
	crcHi, crcLo := CRC16CCITT(buf[:n-FrameTrailerSize])
	if buf[n-3] != crcHi || buf[n-2] != crcLo {
		return -1
	}
	return n
}

// resync discards bytes until the buffer starts with a plausible length.
func (d *Decoder) resync() {
	for i := 1; i < len(d.buf); i++ {
		if d.buf[i] >= FrameMin {
			d.Dropped += i
			d.buf = d.buf[i:]
			return
		}
	}
	d.Dropped += len(d.buf)
	d.buf = nil
}
