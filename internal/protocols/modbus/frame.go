package modbus

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame is one Modbus TCP ADU: MBAP header (7 bytes), function code, data.
type Frame struct {
	TransactionID uint16
	ProtocolID    uint16 // always 0x0000 for Modbus
	Length        uint16 // unit id + function code + data
	UnitID        uint8
	FunctionCode  uint8
	Data          []byte
}

const (
	FuncCodeReadCoils              = 0x01
	FuncCodeReadDiscreteInputs     = 0x02
	FuncCodeReadHoldingRegisters   = 0x03
	FuncCodeReadInputRegisters     = 0x04
	FuncCodeWriteSingleRegister    = 0x06
	FuncCodeWriteMultipleRegisters = 0x10
)

const (
	ExceptionIllegalFunction    = 0x01
	ExceptionIllegalDataAddress = 0x02
	ExceptionIllegalDataValue   = 0x03
)

const (
	mbapHeaderLength = 7
	// 253 byte PDU + unit id
	maxFrameLength = 254
)

// Encode serializes the frame, filling in Length.
func (f *Frame) Encode() []byte {
	f.Length = uint16(len(f.Data) + 2)

	frame := make([]byte, mbapHeaderLength+1+len(f.Data))
	binary.BigEndian.PutUint16(frame[0:2], f.TransactionID)
	binary.BigEndian.PutUint16(frame[2:4], f.ProtocolID)
	binary.BigEndian.PutUint16(frame[4:6], f.Length)
	frame[6] = f.UnitID
	frame[7] = f.FunctionCode
	copy(frame[8:], f.Data)

	return frame
}

// ReadFrame reads one request from r.
func ReadFrame(r io.Reader) (*Frame, error) {
	header := make([]byte, mbapHeaderLength)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	frame := &Frame{
		TransactionID: binary.BigEndian.Uint16(header[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(header[2:4]),
		Length:        binary.BigEndian.Uint16(header[4:6]),
		UnitID:        header[6],
	}

	if frame.ProtocolID != 0x0000 {
		return nil, fmt.Errorf("invalid protocol ID: 0x%04X", frame.ProtocolID)
	}
	if frame.Length < 2 || frame.Length > maxFrameLength {
		return nil, fmt.Errorf("invalid frame length: %d", frame.Length)
	}

	pdu := make([]byte, frame.Length-1)
	if _, err := io.ReadFull(r, pdu); err != nil {
		return nil, err
	}
	frame.FunctionCode = pdu[0]
	frame.Data = pdu[1:]

	return frame, nil
}

// Reply builds the response frame carrying data for the same transaction.
func (f *Frame) Reply(data []byte) *Frame {
	return &Frame{
		TransactionID: f.TransactionID,
		UnitID:        f.UnitID,
		FunctionCode:  f.FunctionCode,
		Data:          data,
	}
}

// Exception builds an exception response for the request.
func (f *Frame) Exception(code byte) *Frame {
	return &Frame{
		TransactionID: f.TransactionID,
		UnitID:        f.UnitID,
		FunctionCode:  f.FunctionCode | 0x80,
		Data:          []byte{code},
	}
}

// addressQuantity decodes the start address and quantity most requests begin with.
func (f *Frame) addressQuantity() (uint16, uint16, error) {
	if len(f.Data) < 4 {
		return 0, 0, errInvalidPDU
	}
	return binary.BigEndian.Uint16(f.Data[0:2]), binary.BigEndian.Uint16(f.Data[2:4]), nil
}
