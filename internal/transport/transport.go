// Package transport implements the Modbus wire protocol over TCP, UDP and
// serial RTU. A Transport owns one connection, frames read/write function
// codes and surfaces errors without retrying; connection recovery belongs
// to the device session layer.
package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/gridline/fieldbus/internal/model"
)

var (
	// ErrConnect means the underlying connection could not be established.
	ErrConnect = errors.New("transport: connect failed")
	// ErrTimeout means a framed request did not complete within the deadline.
	ErrTimeout = errors.New("transport: i/o timeout")
	// ErrProtocol means the peer answered with a malformed or mismatched frame.
	ErrProtocol = errors.New("transport: protocol error")
	// ErrClosed means the transport is not open.
	ErrClosed = errors.New("transport: not connected")
)

// ExceptionError is a Modbus exception response from the device.
type ExceptionError struct {
	Code byte
}

func (e *ExceptionError) Error() string {
	name := "unknown"
	switch e.Code {
	case 0x01:
		name = "illegal function"
	case 0x02:
		name = "illegal data address"
	case 0x03:
		name = "illegal data value"
	case 0x04:
		name = "server device failure"
	case 0x05:
		name = "acknowledge"
	case 0x06:
		name = "server device busy"
	}
	return fmt.Sprintf("transport: modbus exception 0x%02X (%s)", e.Code, name)
}

// Modbus function codes.
const (
	fcReadCoils          = 0x01
	fcReadDiscreteInputs = 0x02
	fcReadHolding        = 0x03
	fcReadInput          = 0x04
	fcWriteCoils         = 0x0F
	fcWriteRegisters     = 0x10
)

// Response carries the payload of a read: registers for the register
// channels, bits for the coil channels. Exactly one slice is populated.
type Response struct {
	Registers []uint16
	Bits      []bool
}

// Transport is the framing contract shared by the TCP, UDP and RTU
// implementations. Implementations are not safe for concurrent use; the
// owning session serializes access.
type Transport interface {
	Open() error
	Connected() bool
	Close() error

	Read(ch model.Channel, addr uint16, count int, unit uint8) (Response, error)
	WriteCoils(addr uint16, bits []bool, unit uint8) error
	WriteRegisters(addr uint16, regs []uint16, unit uint8) error
}

// New builds the transport matching a device's protocol. The timeout
// bounds every framed request.
func New(dev model.Device, timeout time.Duration) Transport {
	addr := fmt.Sprintf("%s:%d", dev.Host, dev.Port)
	switch dev.Protocol {
	case model.ProtocolUDP:
		return newMBAPTransport("udp", addr, timeout)
	case model.ProtocolRTU:
		// RTU devices carry the serial device path in the host field.
		return newRTUTransport(dev.Host, timeout)
	default:
		return newMBAPTransport("tcp", addr, timeout)
	}
}

func readFunction(ch model.Channel) byte {
	switch ch {
	case model.ChannelCoil:
		return fcReadCoils
	case model.ChannelDiscreteInput:
		return fcReadDiscreteInputs
	case model.ChannelInputRegister:
		return fcReadInput
	default:
		return fcReadHolding
	}
}

// readRequest builds the shared PDU body for all four read functions.
func readRequest(ch model.Channel, addr uint16, count int) []byte {
	return []byte{
		readFunction(ch),
		byte(addr >> 8), byte(addr),
		byte(count >> 8), byte(count),
	}
}

// writeCoilsRequest builds an FC15 PDU with bit-packed payload.
func writeCoilsRequest(addr uint16, bits []bool) []byte {
	byteCount := (len(bits) + 7) / 8
	pdu := make([]byte, 6, 6+byteCount)
	pdu[0] = fcWriteCoils
	pdu[1], pdu[2] = byte(addr>>8), byte(addr)
	pdu[3], pdu[4] = byte(len(bits)>>8), byte(len(bits))
	pdu[5] = byte(byteCount)

	packed := make([]byte, byteCount)
	for i, b := range bits {
		if b {
			packed[i/8] |= 1 << (i % 8)
		}
	}
	return append(pdu, packed...)
}

// writeRegistersRequest builds an FC16 PDU.
func writeRegistersRequest(addr uint16, regs []uint16) []byte {
	pdu := make([]byte, 6, 6+2*len(regs))
	pdu[0] = fcWriteRegisters
	pdu[1], pdu[2] = byte(addr>>8), byte(addr)
	pdu[3], pdu[4] = byte(len(regs)>>8), byte(len(regs))
	pdu[5] = byte(2 * len(regs))
	for _, r := range regs {
		pdu = append(pdu, byte(r>>8), byte(r))
	}
	return pdu
}

// parseReadResponse interprets a read PDU response for the given channel.
func parseReadResponse(ch model.Channel, pdu []byte, count int) (Response, error) {
	if len(pdu) < 2 {
		return Response{}, fmt.Errorf("%w: short response", ErrProtocol)
	}
	fn := pdu[0]
	if fn&0x80 != 0 {
		return Response{}, &ExceptionError{Code: pdu[1]}
	}
	if fn != readFunction(ch) {
		return Response{}, fmt.Errorf("%w: function code mismatch: sent %#02x, got %#02x", ErrProtocol, readFunction(ch), fn)
	}

	byteCount := int(pdu[1])
	data := pdu[2:]
	if len(data) < byteCount {
		return Response{}, fmt.Errorf("%w: truncated payload: %d of %d bytes", ErrProtocol, len(data), byteCount)
	}
	data = data[:byteCount]

	if ch.Bit() {
		if byteCount < (count+7)/8 {
			return Response{}, fmt.Errorf("%w: short bit payload", ErrProtocol)
		}
		bits := make([]bool, count)
		for i := range bits {
			bits[i] = data[i/8]&(1<<(i%8)) != 0
		}
		return Response{Bits: bits}, nil
	}

	if byteCount < 2*count {
		return Response{}, fmt.Errorf("%w: short register payload", ErrProtocol)
	}
	regs := make([]uint16, count)
	for i := range regs {
		regs[i] = uint16(data[2*i])<<8 | uint16(data[2*i+1])
	}
	return Response{Registers: regs}, nil
}

// parseWriteResponse checks a write echo (FC15/FC16 reply: fc, addr, count).
func parseWriteResponse(pdu []byte, fn byte, addr uint16, count int) error {
	if len(pdu) < 2 {
		return fmt.Errorf("%w: short response", ErrProtocol)
	}
	if pdu[0]&0x80 != 0 {
		return &ExceptionError{Code: pdu[1]}
	}
	if len(pdu) < 5 {
		return fmt.Errorf("%w: short write echo", ErrProtocol)
	}
	if pdu[0] != fn {
		return fmt.Errorf("%w: function code mismatch in write echo", ErrProtocol)
	}
	echoAddr := uint16(pdu[1])<<8 | uint16(pdu[2])
	echoCount := int(pdu[3])<<8 | int(pdu[4])
	if echoAddr != addr || echoCount != count {
		return fmt.Errorf("%w: write echo mismatch: addr %d count %d", ErrProtocol, echoAddr, echoCount)
	}
	return nil
}
