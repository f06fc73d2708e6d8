// Package protocol defines the messages exchanged between the host and a
// worker, encoded as one JSON object per line.
//
// Host to worker: EXECUTE, RESPONSE. Worker to host: RETURN, ERROR, REQUEST,
// EXIT. Every message carries the run number of the execution it belongs to
// so that late messages from an abandoned execution can be discarded.
package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Type tags a Message.
type Type string

const (
	TypeExecute  Type = "EXECUTE"
	TypeReturn   Type = "RETURN"
	TypeError    Type = "ERROR"
	TypeRequest  Type = "REQUEST"
	TypeResponse Type = "RESPONSE"
	TypeExit     Type = "EXIT"
)

// ErrorType classifies a failed execution.
type ErrorType string

const (
	ErrorEval    ErrorType = "EVAL"
	ErrorRuntime ErrorType = "RUNTIME"
	ErrorTimeout ErrorType = "TIMEOUT"
	ErrorExit    ErrorType = "EXIT"
)

// Message is the wire envelope. Which fields are meaningful depends on Type.
type Message struct {
	Type Type   `json:"type"`
	Run  uint64 `json:"run,omitempty"`

	// EXECUTE
	Source  string `json:"source,omitempty"`
	Args    []any  `json:"args,omitempty"`
	Timeout int64  `json:"timeout,omitempty"` // milliseconds

	// RETURN, RESPONSE
	Result any `json:"result,omitempty"`

	// ERROR
	ErrorType ErrorType `json:"errorType,omitempty"`
	Message   string    `json:"message,omitempty"`
	Stack     string    `json:"stack,omitempty"`

	// REQUEST, RESPONSE
	ID       uint64   `json:"id,omitempty"`
	BasePath []string `json:"basePath,omitempty"`
	Method   string   `json:"method,omitempty"`
	Error    string   `json:"error,omitempty"`

	// EXIT
	Code int `json:"code,omitempty"`
}

// Execute builds an EXECUTE message.
func Execute(run uint64, source string, args []any, timeoutMillis int64) Message {
	return Message{Type: TypeExecute, Run: run, Source: source, Args: args, Timeout: timeoutMillis}
}

// Return builds a RETURN message.
func Return(run uint64, result any) Message {
	return Message{Type: TypeReturn, Run: run, Result: result}
}

// Error builds an ERROR message.
func Error(run uint64, typ ErrorType, message, stack string) Message {
	return Message{Type: TypeError, Run: run, ErrorType: typ, Message: message, Stack: stack}
}

// Request builds a REQUEST message for a nested capability call.
func Request(run, id uint64, basePath []string, method string, args []any) Message {
	return Message{Type: TypeRequest, Run: run, ID: id, BasePath: basePath, Method: method, Args: args}
}

// Response builds a successful RESPONSE message.
func Response(run, id uint64, result any) Message {
	return Message{Type: TypeResponse, Run: run, ID: id, Result: result}
}

// ErrorResponse builds a RESPONSE message that rejects the nested call.
func ErrorResponse(run, id uint64, errMsg string) Message {
	return Message{Type: TypeResponse, Run: run, ID: id, Error: errMsg}
}

// Exit builds an EXIT message.
func Exit(code int) Message {
	return Message{Type: TypeExit, Code: code}
}

// Encoder writes messages. It is safe for concurrent use.
type Encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// Encode writes msg followed by a newline.
func (e *Encoder) Encode(msg Message) error {
	return e.EncodeValue(msg)
}

// EncodeValue writes any JSON value as one line. The worker configuration
// handshake uses it.
func (e *Encoder) EncodeValue(v any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(v); err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return nil
}

// Decoder reads messages. It is not safe for concurrent use.
type Decoder struct {
	dec *json.Decoder
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: json.NewDecoder(bufio.NewReader(r))}
}

// Decode reads the next message. It returns io.EOF when the stream ends
// cleanly.
func (d *Decoder) Decode() (Message, error) {
	var msg Message
	if err := d.DecodeInto(&msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// DecodeInto reads the next JSON value into v.
func (d *Decoder) DecodeInto(v any) error {
	if err := d.dec.Decode(v); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}
