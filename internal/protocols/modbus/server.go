package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"

	"go.uber.org/zap"
)

var (
	errOutOfRange  = errors.New("out of range")
	errInvalidQty  = errors.New("invalid quantity")
	errInvalidPDU  = errors.New("invalid pdu length")
	errUnsupported = errors.New("unsupported function")
)

// Server is a Modbus TCP slave serving one device's register banks.
type Server struct {
	listener  net.Listener
	wg        sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger

	mu       sync.RWMutex
	holding  []uint16
	input    []uint16
	coils    []bool
	discrete []bool
	conns    map[net.Conn]struct{}
}

// NewServer sizes the banks for registers words and bits flags.
func NewServer(registers, bits int, logger *zap.Logger) *Server {
	return &Server{
		holding:  make([]uint16, registers),
		input:    make([]uint16, registers),
		coils:    make([]bool, bits),
		discrete: make([]bool, bits),
		quit:     make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
		logger:   logger,
	}
}

// Listen binds address and starts accepting connections.
func (s *Server) Listen(ctx context.Context, address string) error {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return err
	}
	s.listener = l

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr is the bound address, nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.logger.Warn("Accept failed", zap.Error(err))
			return
		}

		s.mu.Lock()
		select {
		case <-s.quit:
			s.mu.Unlock()
			conn.Close()
			return
		default:
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		req, err := ReadFrame(conn)
		if err != nil {
			return
		}

		resp := s.handle(req)
		if _, err := conn.Write(resp.Encode()); err != nil {
			return
		}
	}
}

func (s *Server) handle(req *Frame) *Frame {
	var (
		data []byte
		err  error
	)

	switch req.FunctionCode {
	case FuncCodeReadCoils:
		data, err = s.readBits(s.coils, req)
	case FuncCodeReadDiscreteInputs:
		data, err = s.readBits(s.discrete, req)
	case FuncCodeReadHoldingRegisters:
		data, err = s.readRegisters(s.holding, req)
	case FuncCodeReadInputRegisters:
		data, err = s.readRegisters(s.input, req)
	case FuncCodeWriteSingleRegister:
		data, err = s.writeSingle(req)
	case FuncCodeWriteMultipleRegisters:
		data, err = s.writeMultiple(req)
	default:
		err = errUnsupported
	}

	if err != nil {
		return req.Exception(errToCode(err))
	}
	return req.Reply(data)
}

func (s *Server) readBits(source []bool, req *Frame) ([]byte, error) {
	start, quantity, err := req.addressQuantity()
	if err != nil {
		return nil, err
	}
	if quantity == 0 || quantity > 2000 {
		return nil, errInvalidQty
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if int(start)+int(quantity) > len(source) {
		return nil, errOutOfRange
	}

	byteCount := (int(quantity) + 7) / 8
	result := make([]byte, 1+byteCount)
	result[0] = byte(byteCount)
	for i := 0; i < int(quantity); i++ {
		if source[int(start)+i] {
			result[1+i/8] |= 1 << (uint(i) % 8)
		}
	}
	return result, nil
}

func (s *Server) readRegisters(source []uint16, req *Frame) ([]byte, error) {
	start, quantity, err := req.addressQuantity()
	if err != nil {
		return nil, err
	}
	if quantity == 0 || quantity > 125 {
		return nil, errInvalidQty
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if int(start)+int(quantity) > len(source) {
		return nil, errOutOfRange
	}

	result := make([]byte, 1+quantity*2)
	result[0] = byte(quantity * 2)
	for i := 0; i < int(quantity); i++ {
		binary.BigEndian.PutUint16(result[1+i*2:], source[int(start)+i])
	}
	return result, nil
}

// Client writes land in the holding bank and last until the next tick.
func (s *Server) writeSingle(req *Frame) ([]byte, error) {
	addr, value, err := req.addressQuantity()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if int(addr) >= len(s.holding) {
		return nil, errOutOfRange
	}
	s.holding[addr] = value
	return req.Data[:4], nil
}

func (s *Server) writeMultiple(req *Frame) ([]byte, error) {
	start, quantity, err := req.addressQuantity()
	if err != nil {
		return nil, err
	}
	if quantity == 0 || quantity > 123 {
		return nil, errInvalidQty
	}
	if len(req.Data) < 5 || int(req.Data[4]) != int(quantity)*2 || len(req.Data) < 5+int(quantity)*2 {
		return nil, errInvalidPDU
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if int(start)+int(quantity) > len(s.holding) {
		return nil, errOutOfRange
	}
	for i := 0; i < int(quantity); i++ {
		s.holding[int(start)+i] = binary.BigEndian.Uint16(req.Data[5+i*2:])
	}
	return req.Data[:4], nil
}

// Update replaces the bank contents with a new image.
func (s *Server) Update(registers []uint16, bits []bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.holding, registers)
	copy(s.input, registers)
	copy(s.coils, bits)
	copy(s.discrete, bits)
}

// Close stops accepting, drops open connections and waits for the
// connection goroutines to exit.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
	})
	s.wg.Wait()
}

func errToCode(err error) byte {
	switch {
	case errors.Is(err, errOutOfRange):
		return ExceptionIllegalDataAddress
	case errors.Is(err, errInvalidQty), errors.Is(err, errInvalidPDU):
		return ExceptionIllegalDataValue
	default:
		return ExceptionIllegalFunction
	}
}
