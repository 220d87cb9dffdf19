package certificate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_Digest(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected string
	}{
		{
			name:     "empty",
			input:    []byte{},
			expected: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
		{
			name:     "abc",
			input:    []byte("abc"),
			expected: "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, Digest(test.input))
		})
	}
}

func Test_DigestIsByteExact(t *testing.T) {
	compact := []byte(`{"deviceId":"D1","gasType":"CO"}`)
	spaced := []byte(`{"deviceId": "D1", "gasType": "CO"}`)

	assert.Equal(t, Digest(compact), Digest(append([]byte(nil), compact...)))
	assert.NotEqual(t, Digest(compact), Digest(spaced))
	assert.Len(t, Digest(compact), 64)
}
