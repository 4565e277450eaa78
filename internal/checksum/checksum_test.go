package checksum

import (
	"bytes"
	"context"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
)

func TestDefault_KnownDigests(t *testing.T) {
	blakeSum := blake3.Sum256([]byte("abc"))

	tests := []struct {
		tag  string
		want string
	}{
		{SHA256, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
		{SHA512, "ddaf35a193617abacc417349ae20413112e6fa4e89a97ea20a9eeee64b55d39a2192992a274fc1a836ba3c23a3feebbd454d4423643ce80e2a9ac94fa54ca49f"},
		{BLAKE3, hex.EncodeToString(blakeSum[:])},
	}

	registry := Default()
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			v, ok := registry.Lookup(tt.tag)
			require.True(t, ok)

			sum, err := v.Checksum(context.Background(), strings.NewReader("abc"))
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.String(sum))
		})
	}
}

func TestCompare_IgnoresCase(t *testing.T) {
	v, ok := Default().Lookup(SHA256)
	require.True(t, ok)

	assert.True(t, v.Compare("DEADBEEF", "deadbeef"))
	assert.True(t, v.Compare(" deadbeef\n", "deadbeef"))
	assert.False(t, v.Compare("deadbeef", "deadbeee"))
}

func TestVoidValidator(t *testing.T) {
	v, ok := Default().Lookup(Void)
	require.True(t, ok)

	sum, err := v.Checksum(context.Background(), strings.NewReader("anything"))
	require.NoError(t, err)
	assert.Empty(t, sum)
	assert.Equal(t, "", v.String(sum))
	assert.True(t, v.Compare("aaa", "bbb"))
}

func TestRegistry_LookupUnknownAndCase(t *testing.T) {
	registry := Default()

	_, ok := registry.Lookup("md5")
	assert.False(t, ok)

	_, ok = registry.Lookup("SHA256")
	assert.True(t, ok)

	assert.Equal(t, []string{BLAKE3, SHA256, SHA512, Void}, registry.Tags())
}

func TestChecksum_Cancelled(t *testing.T) {
	v, ok := Default().Lookup(SHA512)
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := v.Checksum(ctx, bytes.NewReader(make([]byte, 1<<20)))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestChecksum_StreamsLargeInput(t *testing.T) {
	v, ok := Default().Lookup(SHA256)
	require.True(t, ok)

	payload := bytes.Repeat([]byte("toolvm"), 1<<18)
	streamed, err := v.Checksum(context.Background(), bytes.NewReader(payload))
	require.NoError(t, err)

	other, err := v.Checksum(context.Background(), bytes.NewReader(append([]byte{}, payload...)))
	require.NoError(t, err)
	assert.Equal(t, streamed, other)
	assert.Len(t, streamed, 32)
}
