package transport

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gridline/fieldbus/internal/model"
)

// rtuTransport speaks Modbus RTU over a serial port device node. Frames
// are [unit, pdu..., crc16-lo, crc16-hi]. Line parameters (baud, parity)
// are expected to be configured on the port ahead of time; the supervisor
// only owns framing and timeouts.
type rtuTransport struct {
	path    string
	timeout time.Duration

	port *os.File
}

func newRTUTransport(path string, timeout time.Duration) *rtuTransport {
	return &rtuTransport{path: path, timeout: timeout}
}

func (t *rtuTransport) Open() error {
	if t.port != nil {
		return nil
	}
	port, err := os.OpenFile(t.path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrConnect, t.path, err)
	}
	t.port = port
	return nil
}

func (t *rtuTransport) Connected() bool { return t.port != nil }

func (t *rtuTransport) Close() error {
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

func (t *rtuTransport) Read(ch model.Channel, addr uint16, count int, unit uint8) (Response, error) {
	var respLen int
	if ch.Bit() {
		respLen = 2 + (count+7)/8
	} else {
		respLen = 2 + 2*count
	}
	pdu, err := t.roundTrip(readRequest(ch, addr, count), unit, respLen)
	if err != nil {
		return Response{}, err
	}
	return parseReadResponse(ch, pdu, count)
}

func (t *rtuTransport) WriteCoils(addr uint16, bits []bool, unit uint8) error {
	pdu, err := t.roundTrip(writeCoilsRequest(addr, bits), unit, 5)
	if err != nil {
		return err
	}
	return parseWriteResponse(pdu, fcWriteCoils, addr, len(bits))
}

func (t *rtuTransport) WriteRegisters(addr uint16, regs []uint16, unit uint8) error {
	pdu, err := t.roundTrip(writeRegistersRequest(addr, regs), unit, 5)
	if err != nil {
		return err
	}
	return parseWriteResponse(pdu, fcWriteRegisters, addr, len(regs))
}

// roundTrip writes one RTU frame and reads back either the expected
// response PDU or a 2-byte exception PDU, validating the CRC.
func (t *rtuTransport) roundTrip(pdu []byte, unit uint8, respPDULen int) ([]byte, error) {
	if t.port == nil {
		return nil, ErrClosed
	}

	frame := make([]byte, 0, len(pdu)+3)
	frame = append(frame, unit)
	frame = append(frame, pdu...)
	frame = appendCRC(frame)

	// Deadlines work on pollable character devices; on platforms where
	// they don't, the error is ignored and reads block.
	_ = t.port.SetDeadline(time.Now().Add(t.timeout))
	if _, err := t.port.Write(frame); err != nil {
		return nil, t.ioError(err)
	}

	// unit + function code first, to detect exception responses early.
	head := make([]byte, 2)
	if _, err := io.ReadFull(t.port, head); err != nil {
		return nil, t.ioError(err)
	}
	if head[0] != unit {
		return nil, fmt.Errorf("%w: unit id mismatch: sent %d, got %d", ErrProtocol, unit, head[0])
	}

	rest := respPDULen - 1 // remaining PDU bytes after the function code
	if head[1]&0x80 != 0 {
		rest = 1
	}
	tail := make([]byte, rest+2) // PDU remainder + CRC
	if _, err := io.ReadFull(t.port, tail); err != nil {
		return nil, t.ioError(err)
	}

	full := append(head, tail...)
	body, sum := full[:len(full)-2], full[len(full)-2:]
	if want := crc16(body); sum[0] != byte(want) || sum[1] != byte(want>>8) {
		return nil, fmt.Errorf("%w: crc mismatch", ErrProtocol)
	}
	return body[1:], nil
}

func (t *rtuTransport) ioError(err error) error {
	t.Close()
	if os.IsTimeout(err) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrConnect, err)
}

// crc16 computes the CRC-16/Modbus checksum (poly 0xA001, init 0xFFFF).
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// appendCRC appends the checksum low byte first, per the RTU spec.
func appendCRC(frame []byte) []byte {
	crc := crc16(frame)
	return append(frame, byte(crc), byte(crc>>8))
}
