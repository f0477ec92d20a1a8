package megolm

import (
	"encoding/json"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tchap/go-tchap-sdk/utils"
	"testing"
)

func TestRatchet(t *testing.T) {
	t.Parallel()
	t.Run("advanceTo matches repeated advance", func(t *testing.T) {
		for _, target := range []uint32{1, 2, 0xff, 0x100, 0x101, 0x1ff, 0x10000, 0x10203} {
			t.Run(fmt.Sprintf("%#x", target), func(t *testing.T) {
				stepped, err := newRatchet(0)
				require.NoError(t, err)
				jumped := stepped.clone()
				for stepped.counter < target {
					stepped.advance()
				}
				jumped.advanceTo(target)
				assert.Equal(t, target, jumped.counter)
				assert.Equal(t, stepped.bytes(), jumped.bytes())
			})
		}
	})
	t.Run("advanceTo from a non zero index", func(t *testing.T) {
		r, err := newRatchet(0)
		require.NoError(t, err)
		r.advanceTo(0x1f0)
		stepped := r.clone()
		for stepped.counter < 0x20005 {
			stepped.advance()
		}
		r.advanceTo(0x20005)
		assert.Equal(t, stepped.bytes(), r.bytes())
	})
	t.Run("advance changes the state", func(t *testing.T) {
		r, err := newRatchet(0)
		require.NoError(t, err)
		before := r.bytes()
		r.advance()
		assert.NotEqual(t, before, r.bytes())
		assert.Equal(t, uint32(1), r.counter)
	})
	t.Run("pickle", func(t *testing.T) {
		r, err := newRatchet(42)
		require.NoError(t, err)
		data, err := json.Marshal(r)
		require.NoError(t, err)
		var decoded ratchet
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, r.bytes(), decoded.bytes())
		assert.Equal(t, uint32(42), decoded.counter)

		assert.ErrorIs(t, json.Unmarshal([]byte(`{"counter":1,"data":"AAAA"}`), &decoded), ErrorBadPickle)
	})
}

func TestGroupSession(t *testing.T) {
	t.Parallel()
	outbound, err := NewOutboundGroupSession()
	require.NoError(t, err)
	inbound, err := NewInboundGroupSession(outbound.SessionKey())
	require.NoError(t, err)

	t.Run("ids match", func(t *testing.T) {
		assert.Equal(t, outbound.SessionId(), inbound.SessionId())
		assert.Equal(t, uint32(0), inbound.FirstKnownIndex())
		assert.True(t, inbound.IsVerified())
	})

	var messages []string
	for i := 0; i < 5; i++ {
		message, err := outbound.Encrypt([]byte(fmt.Sprintf("message %d", i)))
		require.NoError(t, err)
		messages = append(messages, message)
	}
	assert.Equal(t, uint32(5), outbound.MessageIndex())

	t.Run("decrypt in any order", func(t *testing.T) {
		for _, i := range []int{3, 0, 4, 1, 2} {
			plain, index, err := inbound.Decrypt(messages[i])
			require.NoError(t, err)
			assert.Equal(t, uint32(i), index)
			assert.Equal(t, fmt.Sprintf("message %d", i), string(plain))
		}
	})
	t.Run("message index can be read without decrypting", func(t *testing.T) {
		index, err := MessageIndexOf(messages[3])
		require.NoError(t, err)
		assert.Equal(t, uint32(3), index)
		_, err = MessageIndexOf("AA")
		assert.ErrorIs(t, err, ErrorBadMessageFormat)
	})
	t.Run("session key shared later cannot decrypt history", func(t *testing.T) {
		late, err := NewInboundGroupSession(outbound.SessionKey())
		require.NoError(t, err)
		assert.Equal(t, uint32(5), late.FirstKnownIndex())
		for _, message := range messages {
			_, _, err = late.Decrypt(message)
			assert.ErrorIs(t, err, ErrorUnknownMessageIndex)
		}
		next, err := outbound.Encrypt([]byte("after"))
		require.NoError(t, err)
		plain, index, err := late.Decrypt(next)
		require.NoError(t, err)
		assert.Equal(t, uint32(5), index)
		assert.Equal(t, "after", string(plain))
	})
	t.Run("export and import", func(t *testing.T) {
		exported, err := inbound.Export(2)
		require.NoError(t, err)
		imported, err := ImportInboundGroupSession(exported)
		require.NoError(t, err)
		assert.False(t, imported.IsVerified())
		assert.Equal(t, uint32(2), imported.FirstKnownIndex())
		assert.Equal(t, inbound.SessionId(), imported.SessionId())

		_, _, err = imported.Decrypt(messages[1])
		assert.ErrorIs(t, err, ErrorUnknownMessageIndex)
		plain, _, err := imported.Decrypt(messages[2])
		require.NoError(t, err)
		assert.Equal(t, "message 2", string(plain))

		_, err = imported.Export(1)
		assert.ErrorIs(t, err, ErrorUnknownMessageIndex)
		assert.Equal(t, exported, imported.ExportAtFirstKnownIndex())
	})
	t.Run("tampering is detected", func(t *testing.T) {
		raw, err := utils.Base64DecodeString(messages[0])
		require.NoError(t, err)

		tampered := append([]byte{}, raw...)
		tampered[6] ^= 1
		_, _, err = inbound.Decrypt(utils.EncodeBase64(tampered))
		assert.ErrorIs(t, err, ErrorBadSignature)

		badVersion := append([]byte{}, raw...)
		badVersion[0] = 9
		_, _, err = inbound.Decrypt(utils.EncodeBase64(badVersion))
		assert.ErrorIs(t, err, ErrorBadMessageVersion)

		_, _, err = inbound.Decrypt(utils.EncodeBase64(raw[:10]))
		assert.ErrorIs(t, err, ErrorBadMessageFormat)
	})
	t.Run("message from another session is refused", func(t *testing.T) {
		other, err := NewOutboundGroupSession()
		require.NoError(t, err)
		message, err := other.Encrypt([]byte("x"))
		require.NoError(t, err)
		_, _, err = inbound.Decrypt(message)
		assert.ErrorIs(t, err, ErrorBadSignature)
	})
	t.Run("invalid session keys", func(t *testing.T) {
		_, err := NewInboundGroupSession("AAAA")
		assert.ErrorIs(t, err, ErrorBadSessionKey)
		_, err = ImportInboundGroupSession(outbound.SessionKey())
		assert.ErrorIs(t, err, ErrorBadSessionKey)

		raw, err := utils.Base64DecodeString(outbound.SessionKey())
		require.NoError(t, err)
		raw[10] ^= 1
		_, err = NewInboundGroupSession(utils.EncodeBase64(raw))
		assert.ErrorIs(t, err, ErrorBadSignature)
	})
	t.Run("pickles", func(t *testing.T) {
		outboundData, err := json.Marshal(outbound)
		require.NoError(t, err)
		var restoredOutbound OutboundGroupSession
		require.NoError(t, json.Unmarshal(outboundData, &restoredOutbound))
		assert.Equal(t, outbound.SessionId(), restoredOutbound.SessionId())
		assert.Equal(t, outbound.MessageIndex(), restoredOutbound.MessageIndex())

		inboundData, err := json.Marshal(inbound)
		require.NoError(t, err)
		var restoredInbound InboundGroupSession
		require.NoError(t, json.Unmarshal(inboundData, &restoredInbound))
		assert.True(t, restoredInbound.IsVerified())

		message, err := restoredOutbound.Encrypt([]byte("restored"))
		require.NoError(t, err)
		plain, _, err := restoredInbound.Decrypt(message)
		require.NoError(t, err)
		assert.Equal(t, "restored", string(plain))

		assert.ErrorIs(t, json.Unmarshal([]byte(`{}`), &restoredInbound), ErrorBadPickle)
		assert.ErrorIs(t, json.Unmarshal([]byte(`{}`), &restoredOutbound), ErrorBadPickle)
	})
}
