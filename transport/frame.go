package transport

import (
	"errors"
	"fmt"
	"strings"

	"github.com/opd-ai/whisperpipe/framing"
	"github.com/opd-ai/whisperpipe/limits"
)

// FrameType tags a websocket frame as a request or a response.
type FrameType uint32

const (
	// FrameUnknown is the zero value and never valid on the wire.
	FrameUnknown FrameType = iota
	// FrameRequest carries a Request.
	FrameRequest
	// FrameResponse carries a Response.
	FrameResponse
)

func (t FrameType) String() string {
	switch t {
	case FrameRequest:
		return "REQUEST"
	case FrameResponse:
		return "RESPONSE"
	default:
		return fmt.Sprintf("FrameType(%d)", uint32(t))
	}
}

// ErrInvalidFrame indicates a frame that decodes but is not usable.
var ErrInvalidFrame = errors.New("invalid websocket frame")

// Request is a verb/path request travelling in either direction over the
// pipe, or through the one-shot transport.
type Request struct {
	ID      uint64
	Verb    string
	Path    string
	Headers []string
	Body    []byte
}

// Header returns the value of the first "name:value" header matching name,
// compared case-insensitively.
func (r *Request) Header(name string) (string, bool) {
	return lookupHeader(r.Headers, name)
}

// Response answers a Request with the same ID.
type Response struct {
	ID      uint64
	Status  uint32
	Message string
	Headers []string
	Body    []byte
}

// Header returns the value of the first "name:value" header matching name.
func (r *Response) Header(name string) (string, bool) {
	return lookupHeader(r.Headers, name)
}

// OK reports whether the status is in the 2xx range.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

func lookupHeader(headers []string, name string) (string, bool) {
	for _, h := range headers {
		k, v, ok := strings.Cut(h, ":")
		if ok && strings.EqualFold(strings.TrimSpace(k), name) {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

// Frame is one binary websocket message. Exactly one of Request and
// Response is set, matching Type.
type Frame struct {
	Type     FrameType
	Request  *Request
	Response *Response
}

func (r *Request) Marshal() []byte {
	var e framing.Encoder
	e.String(1, r.Verb)
	e.String(2, r.Path)
	e.BytesField(3, r.Body)
	e.UintAlways(4, r.ID)
	for _, h := range r.Headers {
		e.String(5, h)
	}
	return e.Bytes()
}

func (r *Response) Marshal() []byte {
	var e framing.Encoder
	e.UintAlways(1, r.ID)
	e.UintAlways(2, uint64(r.Status))
	e.String(3, r.Message)
	e.BytesField(4, r.Body)
	for _, h := range r.Headers {
		e.String(5, h)
	}
	return e.Bytes()
}

// Marshal encodes the frame.
func (f *Frame) Marshal() ([]byte, error) {
	var e framing.Encoder
	e.UintAlways(1, uint64(f.Type))
	switch f.Type {
	case FrameRequest:
		if f.Request == nil {
			return nil, fmt.Errorf("%w: request frame without request", ErrInvalidFrame)
		}
		e.Message(2, f.Request)
	case FrameResponse:
		if f.Response == nil {
			return nil, fmt.Errorf("%w: response frame without response", ErrInvalidFrame)
		}
		e.Message(3, f.Response)
	default:
		return nil, fmt.Errorf("%w: type %s", ErrInvalidFrame, f.Type)
	}
	return e.Bytes(), nil
}

// UnmarshalFrame decodes a websocket frame. Frames above
// limits.MaxFrameSize, and frames whose payload does not match their type,
// are rejected.
func UnmarshalFrame(b []byte) (*Frame, error) {
	if err := limits.ValidateLength(int64(len(b)), limits.MaxFrameSize); err != nil {
		return nil, err
	}

	f := &Frame{}
	err := framing.ParseFields(b, func(fl framing.Field) error {
		switch fl.Num {
		case 1:
			f.Type = FrameType(fl.Uint)
		case 2:
			req, err := unmarshalRequest(fl.Bytes)
			if err != nil {
				return err
			}
			f.Request = req
		case 3:
			resp, err := unmarshalResponse(fl.Bytes)
			if err != nil {
				return err
			}
			f.Response = resp
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch {
	case f.Type == FrameRequest && f.Request != nil:
	case f.Type == FrameResponse && f.Response != nil:
	default:
		return nil, fmt.Errorf("%w: type %s", ErrInvalidFrame, f.Type)
	}
	return f, nil
}

func unmarshalRequest(b []byte) (*Request, error) {
	r := &Request{}
	err := framing.ParseFields(b, func(f framing.Field) error {
		switch f.Num {
		case 1:
			r.Verb = f.String()
		case 2:
			r.Path = f.String()
		case 3:
			r.Body = f.CopyBytes()
		case 4:
			r.ID = f.Uint
		case 5:
			r.Headers = append(r.Headers, f.String())
		}
		return nil
	})
	return r, err
}

func unmarshalResponse(b []byte) (*Response, error) {
	r := &Response{}
	err := framing.ParseFields(b, func(f framing.Field) error {
		switch f.Num {
		case 1:
			r.ID = f.Uint
		case 2:
			r.Status = uint32(f.Uint)
		case 3:
			r.Message = f.String()
		case 4:
			r.Body = f.CopyBytes()
		case 5:
			r.Headers = append(r.Headers, f.String())
		}
		return nil
	})
	return r, err
}
