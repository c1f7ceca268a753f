package transports

import (
	"io"
	"time"
)

// MockTransport implements the bus Transport for testing. Responses may be
// scripted either as one flat byte stream (ReadData), as a queue of discrete
// frames (Responses, one frame per Read call), or via a custom ReadFunc.
type MockTransport struct {
	ReadData    []byte
	Responses   [][]byte
	ReadErr     error
	WriteData   []byte
	Writes      [][]byte // each Write call recorded separately
	WriteErr    error
	Closed      bool
	ReadTimeout time.Duration
	Flushed     bool

	// ReadFunc allows custom read behavior for complex tests.
	ReadFunc func(p []byte) (int, error)
}

func (m *MockTransport) Read(p []byte) (int, error) {
	if m.ReadFunc != nil {
		return m.ReadFunc(p)
	}
	if m.ReadErr != nil {
		return 0, m.ReadErr
	}
	if len(m.Responses) > 0 {
		n := copy(p, m.Responses[0])
		if n == len(m.Responses[0]) {
			m.Responses = m.Responses[1:]
		} else {
			m.Responses[0] = m.Responses[0][n:]
		}
		return n, nil
	}
	n := copy(p, m.ReadData)
	m.ReadData = m.ReadData[n:]
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (m *MockTransport) Write(p []byte) (int, error) {
	if m.WriteErr != nil {
		return 0, m.WriteErr
	}
	m.WriteData = append(m.WriteData, p...)
	frame := make([]byte, len(p))
	copy(frame, p)
	m.Writes = append(m.Writes, frame)
	return len(p), nil
}

func (m *MockTransport) Close() error {
	m.Closed = true
	return nil
}

func (m *MockTransport) SetReadTimeout(timeout time.Duration) error {
	m.ReadTimeout = timeout
	return nil
}

func (m *MockTransport) Flush() error {
	m.Flushed = true
	// Response data is preserved so tests can script it before the exchange.
	return nil
}
