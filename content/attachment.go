package content

import (
	"github.com/opd-ai/whisperpipe/framing"
)

// AttachmentFlagVoiceMessage marks an attachment recorded as a voice note.
const AttachmentFlagVoiceMessage = 1

// AttachmentPointer references an encrypted attachment held by the storage
// service together with the key material and digest needed to open it.
type AttachmentPointer struct {
	ID          uint64
	ContentType string
	Key         []byte
	Size        uint32
	Thumbnail   []byte
	Digest      []byte
	FileName    string
	Flags       uint32
	Width       uint32
	Height      uint32
	Caption     string
}

// Marshal encodes the pointer.
func (a *AttachmentPointer) Marshal() []byte {
	var e framing.Encoder
	e.Fixed64(1, a.ID)
	e.String(2, a.ContentType)
	e.BytesField(3, a.Key)
	e.Uint(4, uint64(a.Size))
	e.BytesField(5, a.Thumbnail)
	e.BytesField(6, a.Digest)
	e.String(7, a.FileName)
	e.Uint(8, uint64(a.Flags))
	e.Uint(9, uint64(a.Width))
	e.Uint(10, uint64(a.Height))
	e.String(11, a.Caption)
	return e.Bytes()
}

// UnmarshalAttachmentPointer decodes a pointer.
func UnmarshalAttachmentPointer(b []byte) (*AttachmentPointer, error) {
	a := &AttachmentPointer{}
	err := framing.ParseFields(b, func(f framing.Field) error {
		switch f.Num {
		case 1:
			a.ID = f.Uint
		case 2:
			a.ContentType = f.String()
		case 3:
			a.Key = f.CopyBytes()
		case 4:
			a.Size = uint32(f.Uint)
		case 5:
			a.Thumbnail = f.CopyBytes()
		case 6:
			a.Digest = f.CopyBytes()
		case 7:
			a.FileName = f.String()
		case 8:
			a.Flags = uint32(f.Uint)
		case 9:
			a.Width = uint32(f.Uint)
		case 10:
			a.Height = uint32(f.Uint)
		case 11:
			a.Caption = f.String()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// IsVoiceNote reports whether the voice message flag is set.
func (a *AttachmentPointer) IsVoiceNote() bool {
	return a.Flags&AttachmentFlagVoiceMessage != 0
}
