package content

import (
	"errors"
	"fmt"
	"io"

	"github.com/opd-ai/whisperpipe/framing"
)

// Avatar is the inline avatar that follows a contact or group record.
type Avatar struct {
	ContentType string
	Data        []byte
}

func (a *Avatar) header() []byte {
	var e framing.Encoder
	e.String(1, a.ContentType)
	e.UintAlways(2, uint64(len(a.Data)))
	return e.Bytes()
}

func parseAvatarHeader(b []byte) (string, int64, error) {
	var (
		contentType string
		length      uint64
	)
	err := framing.ParseFields(b, func(f framing.Field) error {
		switch f.Num {
		case 1:
			contentType = f.String()
		case 2:
			length = f.Uint
		}
		return nil
	})
	return contentType, int64(length), err
}

// DeviceContact is one record of a contacts sync stream.
type DeviceContact struct {
	Number      string
	UUID        string
	Name        string
	Avatar      *Avatar
	Color       string
	Verified    *VerifiedSync
	ProfileKey  []byte
	Blocked     bool
	ExpireTimer uint32
}

// DeviceGroup is one record of a groups sync stream.
type DeviceGroup struct {
	ID          []byte
	Name        string
	Members     []string
	Avatar      *Avatar
	Active      bool
	ExpireTimer uint32
	Color       string
	Blocked     bool
}

// DeviceContactsWriter writes a contacts sync stream.
type DeviceContactsWriter struct {
	w *framing.Writer
}

// NewDeviceContactsWriter creates a contacts stream writer over w.
func NewDeviceContactsWriter(w io.Writer) *DeviceContactsWriter {
	return &DeviceContactsWriter{w: framing.NewWriter(w)}
}

// Write appends one contact record and its avatar bytes.
func (cw *DeviceContactsWriter) Write(c *DeviceContact) error {
	var e framing.Encoder
	e.String(1, c.Number)
	e.String(2, c.Name)
	if c.Avatar != nil {
		e.BytesField(3, c.Avatar.header())
	}
	e.String(4, c.Color)
	if c.Verified != nil {
		e.BytesField(5, nonNil(c.Verified.Marshal()))
	}
	e.BytesField(6, c.ProfileKey)
	e.Bool(7, c.Blocked)
	e.Uint(8, uint64(c.ExpireTimer))
	e.String(9, c.UUID)
	return writeRecord(cw.w, e.Bytes(), c.Avatar)
}

// DeviceGroupsWriter writes a groups sync stream.
type DeviceGroupsWriter struct {
	w *framing.Writer
}

// NewDeviceGroupsWriter creates a groups stream writer over w.
func NewDeviceGroupsWriter(w io.Writer) *DeviceGroupsWriter {
	return &DeviceGroupsWriter{w: framing.NewWriter(w)}
}

// Write appends one group record and its avatar bytes.
func (gw *DeviceGroupsWriter) Write(g *DeviceGroup) error {
	var e framing.Encoder
	e.BytesField(1, g.ID)
	e.String(2, g.Name)
	for _, m := range g.Members {
		e.String(3, m)
	}
	if g.Avatar != nil {
		e.BytesField(4, g.Avatar.header())
	}
	e.Bool(5, g.Active)
	e.Uint(6, uint64(g.ExpireTimer))
	e.String(7, g.Color)
	e.Bool(8, g.Blocked)
	return writeRecord(gw.w, e.Bytes(), g.Avatar)
}

func writeRecord(w *framing.Writer, details []byte, avatar *Avatar) error {
	if err := w.WriteLengthPrefixed(nonNil(details)); err != nil {
		return err
	}
	if avatar != nil && len(avatar.Data) > 0 {
		return w.WriteRaw(avatar.Data)
	}
	return nil
}

// DeviceContactsReader reads a contacts sync stream.
type DeviceContactsReader struct {
	r *framing.Reader
}

// NewDeviceContactsReader creates a contacts stream reader over r.
func NewDeviceContactsReader(r io.Reader) *DeviceContactsReader {
	return &DeviceContactsReader{r: framing.NewReader(r)}
}

// Read returns the next contact, or io.EOF at the end of the stream.
func (cr *DeviceContactsReader) Read() (*DeviceContact, error) {
	details, err := cr.r.ReadLengthPrefixed()
	if err != nil {
		return nil, err
	}

	c := &DeviceContact{}
	var avatarLength int64 = -1
	err = framing.ParseFields(details, func(f framing.Field) error {
		switch f.Num {
		case 1:
			c.Number = f.String()
		case 2:
			c.Name = f.String()
		case 3:
			ct, n, err := parseAvatarHeader(f.Bytes)
			if err != nil {
				return err
			}
			c.Avatar = &Avatar{ContentType: ct}
			avatarLength = n
		case 4:
			c.Color = f.String()
		case 5:
			v, err := UnmarshalVerified(f.Bytes)
			if err != nil {
				return err
			}
			c.Verified = v
		case 6:
			c.ProfileKey = f.CopyBytes()
		case 7:
			c.Blocked = f.Bool()
		case 8:
			c.ExpireTimer = uint32(f.Uint)
		case 9:
			c.UUID = f.String()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode contact details: %w", err)
	}

	if c.Avatar != nil {
		if c.Avatar.Data, err = readAvatar(cr.r, avatarLength); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// DeviceGroupsReader reads a groups sync stream.
type DeviceGroupsReader struct {
	r *framing.Reader
}

// NewDeviceGroupsReader creates a groups stream reader over r.
func NewDeviceGroupsReader(r io.Reader) *DeviceGroupsReader {
	return &DeviceGroupsReader{r: framing.NewReader(r)}
}

// Read returns the next group, or io.EOF at the end of the stream.
func (gr *DeviceGroupsReader) Read() (*DeviceGroup, error) {
	details, err := gr.r.ReadLengthPrefixed()
	if err != nil {
		return nil, err
	}

	g := &DeviceGroup{}
	var avatarLength int64 = -1
	err = framing.ParseFields(details, func(f framing.Field) error {
		switch f.Num {
		case 1:
			g.ID = f.CopyBytes()
		case 2:
			g.Name = f.String()
		case 3:
			g.Members = append(g.Members, f.String())
		case 4:
			ct, n, err := parseAvatarHeader(f.Bytes)
			if err != nil {
				return err
			}
			g.Avatar = &Avatar{ContentType: ct}
			avatarLength = n
		case 5:
			g.Active = f.Bool()
		case 6:
			g.ExpireTimer = uint32(f.Uint)
		case 7:
			g.Color = f.String()
		case 8:
			g.Blocked = f.Bool()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode group details: %w", err)
	}

	if g.Avatar != nil {
		if g.Avatar.Data, err = readAvatar(gr.r, avatarLength); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func readAvatar(r *framing.Reader, n int64) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	data, err := r.ReadFull(n)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read avatar: %w", err)
	}
	return data, nil
}
