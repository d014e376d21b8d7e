package auth_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/keirf/greaseweazle-sub000/internal/server/api/auth"
)

func TestGenKey(t *testing.T) {
	key, err := auth.GenerateKey()
	assert.NoError(t, err)
	assert.Len(t, key, auth.AutoGenKeyLength)
	assert.Regexp(t, "^[0-9A-Za-z]{16}$", key)
}

func TestDeriveKey(t *testing.T) {
	type testCase struct {
		name        string
		password    string
		expectedKey []byte
		expectedErr string
	}

	testCases := []testCase{
		{
			name:     "normal password",
			password: "password123",
			expectedKey: []byte{0xa6, 0x7e, 0xed, 0xfe, 0xd3, 0x7d, 0xe9, 0xd3, 0x3a, 0x71, 0x71, 0x10, 0x5a, 0xe7, 0x27, 0x0d,
				0x52, 0xf6, 0xdd, 0xdc, 0xb4, 0x4f, 0xd7, 0x83, 0x79, 0x1b, 0x37, 0x52, 0x00, 0xd8, 0x3d, 0x6d},
		},
		{
			name:     "single char",
			password: "1",
			expectedKey: []byte{0x51, 0x98, 0x27, 0xcb, 0x9a, 0x6c, 0x79, 0x70, 0x7a, 0x8c, 0x2c, 0x29, 0xac, 0xde, 0x22, 0x32,
				0x5e, 0xc9, 0x06, 0xa6, 0x80, 0xe1, 0x81, 0x30, 0x9a, 0xce, 0x0a, 0x77, 0x32, 0x18, 0x07, 0xb7},
		},
		{
			name:        "empty password",
			password:    "",
			expectedErr: "password cannot be empty",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			key, err := auth.DeriveKey(tc.password)
			if tc.expectedErr != "" {
				assert.EqualError(t, err, tc.expectedErr)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.expectedKey, key)
		})
	}
}

func TestDeriveSessionKey(t *testing.T) {
	key := make([]byte, 32)
	serverNonce := make([]byte, 32)
	clientNonce := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
		serverNonce[i] = byte(i + 10)
		clientNonce[i] = byte(i + 20)
	}

	k1 := auth.DeriveSessionKey(key, serverNonce, clientNonce)
	assert.Len(t, k1, 32)
	assert.Equal(t, k1, auth.DeriveSessionKey(key, serverNonce, clientNonce))

	clientNonce[0] = 99
	assert.NotEqual(t, k1, auth.DeriveSessionKey(key, serverNonce, clientNonce))
}
