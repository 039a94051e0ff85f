package content

import (
	"testing"

	"github.com/opd-ai/whisperpipe/framing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataMessageRoundTrip(t *testing.T) {
	msg := &DataMessage{
		Body: "hello",
		Attachments: []*AttachmentPointer{{
			ID:          42,
			ContentType: "image/png",
			Key:         []byte{1, 2, 3},
			Size:        1234,
			Digest:      []byte{9, 9},
			FileName:    "cat.png",
			Flags:       AttachmentFlagVoiceMessage,
			Width:       10,
			Height:      20,
			Caption:     "a cat",
		}},
		Group: &GroupContext{
			ID:      []byte("group-id"),
			Type:    GroupDeliver,
			Name:    "friends",
			Members: []string{"+15550001", "+15550002"},
		},
		Flags:       FlagEndSession,
		ExpireTimer: 30,
		ProfileKey:  []byte("profile-key"),
		Timestamp:   1550000000000,
		Quote:       &Quote{ID: 7, Author: "+15550003", Text: "earlier"},
		Sticker:     &Sticker{PackID: []byte{1}, PackKey: []byte{2}, StickerID: 0},
		ViewOnce:    true,
	}

	c := &Content{DataMessage: msg}
	b, err := c.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, "data", got.Kind())
	assert.Equal(t, msg, got.DataMessage)
	assert.True(t, got.DataMessage.IsEndSession())
	assert.True(t, got.DataMessage.Attachments[0].IsVoiceNote())
}

func TestContentRequiresExactlyOneMessage(t *testing.T) {
	_, err := (&Content{}).Marshal()
	assert.ErrorIs(t, err, ErrEmptyContent)

	_, err = (&Content{
		DataMessage:   &DataMessage{Body: "x"},
		TypingMessage: &TypingMessage{},
	}).Marshal()
	assert.ErrorIs(t, err, ErrAmbiguousContent)

	_, err = Unmarshal(nil)
	assert.ErrorIs(t, err, ErrEmptyContent)
}

func TestSyncVariantsRoundTrip(t *testing.T) {
	variants := []*SyncMessage{
		NewSentSync(&SentTranscript{
			Destination:              "+15550001",
			Timestamp:                99,
			Message:                  &DataMessage{Body: "hi", Timestamp: 99},
			ExpirationStartTimestamp: 100,
			UnidentifiedStatus: []UnidentifiedStatus{
				{Destination: "+15550001", Unidentified: true},
				{Destination: "+15550002"},
			},
			IsRecipientUpdate: true,
		}),
		NewContactsSync(&AttachmentPointer{ID: 1}, true),
		NewGroupsSync(&AttachmentPointer{ID: 2}),
		NewReadSync(ReadMarker{Sender: "+1", Timestamp: 1}, ReadMarker{Sender: "+2", Timestamp: 2}),
		NewBlockedSync([]string{"+1"}, [][]byte{{0xaa}}),
		NewConfigurationSync(ConfigurationSync{ReadReceipts: true, LinkPreviews: true}),
		NewStickerPackSync(
			StickerPackOperation{PackID: []byte{1}, PackKey: []byte{2}, Type: StickerPackInstall},
			StickerPackOperation{PackID: []byte{3}, Type: StickerPackRemove},
		),
		NewVerifiedSync(VerifiedSync{Destination: "+1", IdentityKey: []byte{5}, State: VerifiedVerified}),
		NewRequestSync(RequestContacts),
	}

	for _, sync := range variants {
		t.Run(sync.Variant.Kind(), func(t *testing.T) {
			sync.Padding = []byte{0, 0, 0}
			b, err := (&Content{SyncMessage: sync}).Marshal()
			require.NoError(t, err)

			got, err := Unmarshal(b)
			require.NoError(t, err)
			require.NotNil(t, got.SyncMessage)
			assert.Equal(t, sync.Variant, got.SyncMessage.Variant)
			assert.Equal(t, sync.Padding, got.SyncMessage.Padding)
		})
	}
}

func TestUnsupportedSyncVariant(t *testing.T) {
	var viewOnce framing.Encoder
	viewOnce.BytesField(11, []byte{0x0a, 0x01, 'x'})
	var sync framing.Encoder
	sync.BytesField(2, viewOnce.Bytes())

	_, err := Unmarshal(sync.Bytes())
	assert.ErrorIs(t, err, ErrUnsupportedSync)
}

func TestCallReceiptTypingNullRoundTrip(t *testing.T) {
	hangup := uint64(5)
	contents := []*Content{
		{CallMessage: &CallMessage{
			Offer:      &CallOffer{ID: 1, Description: "sdp-offer"},
			IceUpdates: []IceUpdate{{ID: 1, SdpMid: "0", SdpMLineIndex: 0, Sdp: "cand"}},
			HangupID:   &hangup,
		}},
		{ReceiptMessage: &ReceiptMessage{Type: ReceiptRead, Timestamps: []uint64{1, 2, 3}}},
		{TypingMessage: &TypingMessage{Timestamp: 10, Action: TypingStopped, GroupID: []byte("g")}},
		{NullMessage: &NullMessage{Padding: []byte{1, 2}}},
	}

	for _, c := range contents {
		b, err := c.Marshal()
		require.NoError(t, err)
		got, err := Unmarshal(b)
		require.NoError(t, err)
		assert.Equal(t, c, got, c.Kind())
	}
}

func TestRandomPaddingBounds(t *testing.T) {
	for i := 0; i < 50; i++ {
		pad, err := RandomPadding(512)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(pad), 1)
		assert.LessOrEqual(t, len(pad), 512)
	}
}
