package transport

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gridline/fieldbus/internal/model"
)

// mbapTransport speaks Modbus TCP/UDP: each PDU is wrapped in an MBAP
// header (transaction id, protocol id 0, length, unit id). UDP reuses the
// same framing but each exchange is a single datagram.
type mbapTransport struct {
	network string
	addr    string
	timeout time.Duration

	conn net.Conn
	txn  uint16
}

func newMBAPTransport(network, addr string, timeout time.Duration) *mbapTransport {
	return &mbapTransport{network: network, addr: addr, timeout: timeout}
}

func (t *mbapTransport) Open() error {
	if t.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout(t.network, t.addr, t.timeout)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrConnect, t.network, t.addr, err)
	}
	t.conn = conn
	return nil
}

func (t *mbapTransport) Connected() bool { return t.conn != nil }

func (t *mbapTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *mbapTransport) Read(ch model.Channel, addr uint16, count int, unit uint8) (Response, error) {
	pdu, err := t.roundTrip(readRequest(ch, addr, count), unit)
	if err != nil {
		return Response{}, err
	}
	return parseReadResponse(ch, pdu, count)
}

func (t *mbapTransport) WriteCoils(addr uint16, bits []bool, unit uint8) error {
	pdu, err := t.roundTrip(writeCoilsRequest(addr, bits), unit)
	if err != nil {
		return err
	}
	return parseWriteResponse(pdu, fcWriteCoils, addr, len(bits))
}

func (t *mbapTransport) WriteRegisters(addr uint16, regs []uint16, unit uint8) error {
	pdu, err := t.roundTrip(writeRegistersRequest(addr, regs), unit)
	if err != nil {
		return err
	}
	return parseWriteResponse(pdu, fcWriteRegisters, addr, len(regs))
}

// roundTrip sends one MBAP-framed request and returns the response PDU.
func (t *mbapTransport) roundTrip(pdu []byte, unit uint8) ([]byte, error) {
	if t.conn == nil {
		return nil, ErrClosed
	}

	t.txn++
	txn := t.txn

	frame := make([]byte, 7, 7+len(pdu))
	frame[0], frame[1] = byte(txn>>8), byte(txn)
	// frame[2:4] protocol id, always zero.
	length := len(pdu) + 1
	frame[4], frame[5] = byte(length>>8), byte(length)
	frame[6] = unit
	frame = append(frame, pdu...)

	if err := t.conn.SetDeadline(time.Now().Add(t.timeout)); err != nil {
		return nil, t.ioError(err)
	}
	if _, err := t.conn.Write(frame); err != nil {
		return nil, t.ioError(err)
	}

	if t.network == "udp" {
		return t.receiveDatagram(txn)
	}
	return t.receiveStream(txn)
}

func (t *mbapTransport) receiveStream(txn uint16) ([]byte, error) {
	header := make([]byte, 7)
	if _, err := io.ReadFull(t.conn, header); err != nil {
		return nil, t.ioError(err)
	}
	pdu, err := t.checkHeader(header, txn)
	if err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(t.conn, pdu); err != nil {
		return nil, t.ioError(err)
	}
	return pdu, nil
}

func (t *mbapTransport) receiveDatagram(txn uint16) ([]byte, error) {
	buf := make([]byte, 260) // max MBAP frame
	n, err := t.conn.Read(buf)
	if err != nil {
		return nil, t.ioError(err)
	}
	if n < 8 {
		return nil, fmt.Errorf("%w: short datagram (%d bytes)", ErrProtocol, n)
	}
	pdu, err := t.checkHeader(buf[:7], txn)
	if err != nil {
		return nil, err
	}
	if len(buf[7:n]) < len(pdu) {
		return nil, fmt.Errorf("%w: datagram shorter than declared length", ErrProtocol)
	}
	copy(pdu, buf[7:n])
	return pdu, nil
}

// checkHeader validates an MBAP header and allocates the PDU buffer.
func (t *mbapTransport) checkHeader(header []byte, txn uint16) ([]byte, error) {
	gotTxn := uint16(header[0])<<8 | uint16(header[1])
	if gotTxn != txn {
		return nil, fmt.Errorf("%w: transaction id mismatch: sent %d, got %d", ErrProtocol, txn, gotTxn)
	}
	if header[2] != 0 || header[3] != 0 {
		return nil, fmt.Errorf("%w: unexpected protocol id", ErrProtocol)
	}
	length := int(header[4])<<8 | int(header[5])
	if length < 2 || length > 254 {
		return nil, fmt.Errorf("%w: bad frame length %d", ErrProtocol, length)
	}
	return make([]byte, length-1), nil
}

// ioError maps network failures onto the transport error taxonomy and
// tears down the connection so the session reopens it.
func (t *mbapTransport) ioError(err error) error {
	t.Close()
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrConnect, err)
}
