package crypto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptionData_WireFormat(t *testing.T) {
	w := newTestKeeper(t, "master")

	t.Run("v1", func(t *testing.T) {
		_, data := encryptAll(t, newTestEncryptor(t, w, ProtocolV1, 0), []byte("abc"))
		value, err := data.Marshal()
		require.NoError(t, err)

		var raw map[string]json.RawMessage
		require.NoError(t, json.Unmarshal([]byte(value), &raw))
		assert.Contains(t, raw, "EncryptionMode")
		assert.Contains(t, raw, "WrappedContentKey")
		assert.Contains(t, raw, "EncryptionAgent")
		assert.Contains(t, raw, "KeyWrappingMetadata")
		assert.Contains(t, raw, "ContentEncryptionIV")
		assert.NotContains(t, raw, "EncryptedRegionInfo")

		var wrapped map[string]any
		require.NoError(t, json.Unmarshal(raw["WrappedContentKey"], &wrapped))
		assert.Equal(t, "master", wrapped["KeyId"])
		assert.Equal(t, WrapAlgorithmKMS, wrapped["Algorithm"])
		assert.NotEmpty(t, wrapped["EncryptedKey"])

		var agent map[string]string
		require.NoError(t, json.Unmarshal(raw["EncryptionAgent"], &agent))
		assert.Equal(t, map[string]string{"Protocol": "1.0", "EncryptionAlgorithm": "AES_CBC_256"}, agent)
	})

	t.Run("v2.1", func(t *testing.T) {
		_, data := encryptAll(t, newTestEncryptor(t, w, ProtocolV2_1, 1024), []byte("abc"))
		value, err := data.Marshal()
		require.NoError(t, err)

		var raw map[string]json.RawMessage
		require.NoError(t, json.Unmarshal([]byte(value), &raw))
		assert.NotContains(t, raw, "ContentEncryptionIV")
		assert.JSONEq(t, `{"DataLength":1024,"NonceLength":12}`, string(raw["EncryptedRegionInfo"]))
		assert.JSONEq(t, `{"Protocol":"2.1","EncryptionAlgorithm":"AES_GCM_256"}`, string(raw["EncryptionAgent"]))

		parsed, err := ParseEncryptionData(value)
		require.NoError(t, err)
		assert.Equal(t, data, parsed)
	})
}

func TestParseEncryptionData_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr error
	}{
		{"not json", "{", ErrInvalidMetadata},
		{"unknown protocol", `{"EncryptionAgent":{"Protocol":"0.9","EncryptionAlgorithm":"AES_CBC_256"}}`, ErrUnsupportedProtocol},
		{"wrong algorithm", `{"EncryptionAgent":{"Protocol":"1.0","EncryptionAlgorithm":"AES_GCM_256"}}`, ErrUnsupportedAlgorithm},
		{"missing key", `{"EncryptionAgent":{"Protocol":"1.0","EncryptionAlgorithm":"AES_CBC_256"},"ContentEncryptionIV":"AAAAAAAAAAAAAAAAAAAAAA=="}`, ErrInvalidMetadata},
		{"short iv", `{"EncryptionAgent":{"Protocol":"1.0","EncryptionAlgorithm":"AES_CBC_256"},"WrappedContentKey":{"KeyId":"k","EncryptedKey":"AQ==","Algorithm":"KMS"},"ContentEncryptionIV":"AAAA"}`, ErrInvalidMetadata},
		{"missing region info", `{"EncryptionAgent":{"Protocol":"2.1","EncryptionAlgorithm":"AES_GCM_256"},"WrappedContentKey":{"KeyId":"k","EncryptedKey":"AQ==","Algorithm":"KMS"}}`, ErrInvalidMetadata},
		{"region too small", `{"EncryptionAgent":{"Protocol":"2.1","EncryptionAlgorithm":"AES_GCM_256"},"WrappedContentKey":{"KeyId":"k","EncryptedKey":"AQ==","Algorithm":"KMS"},"EncryptedRegionInfo":{"DataLength":8,"NonceLength":12}}`, ErrInvalidRegionLength},
		{"bad nonce length", `{"EncryptionAgent":{"Protocol":"2.1","EncryptionAlgorithm":"AES_GCM_256"},"WrappedContentKey":{"KeyId":"k","EncryptedKey":"AQ==","Algorithm":"KMS"},"EncryptedRegionInfo":{"DataLength":16,"NonceLength":8}}`, ErrInvalidMetadata},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEncryptionData(tt.value)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestEncryptionDataFromMetadata(t *testing.T) {
	w := newTestKeeper(t, "master")
	_, data := encryptAll(t, newTestEncryptor(t, w, ProtocolV2, 0), []byte("abc"))

	t.Run("absent", func(t *testing.T) {
		got, err := EncryptionDataFromMetadata(map[string]string{"content-type": "text/plain"})
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	for _, key := range []string{"encryptiondata", "Encryptiondata", "x-amz-meta-encryptiondata", "X-Amz-Meta-Encryptiondata"} {
		t.Run(key, func(t *testing.T) {
			value, err := data.Marshal()
			require.NoError(t, err)
			got, err := EncryptionDataFromMetadata(map[string]string{key: value})
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}

	t.Run("set replaces", func(t *testing.T) {
		meta := map[string]string{"Encryptiondata": "stale", "owner": "me"}
		require.NoError(t, SetEncryptionData(meta, data))
		assert.Len(t, meta, 2)
		assert.Contains(t, meta, EncryptionDataKey)
	})

	t.Run("user metadata", func(t *testing.T) {
		meta := map[string]string{"X-Amz-Meta-Encryptiondata": "{}", "owner": "me"}
		assert.Equal(t, map[string]string{"owner": "me"}, UserMetadata(meta))
		assert.Len(t, meta, 2)
	})
}
