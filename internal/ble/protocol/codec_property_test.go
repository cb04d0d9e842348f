package protocol

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func knownTypes() []MessageType {
	types := make([]MessageType, 0, TypeCount-1)
	for typ := TypeWhoAreYou; typ < TypeCount; typ++ {
		types = append(types, typ)
	}
	return types
}

// messageGen draws an arbitrary value of an arbitrary message type by
// decoding random bytes of the right length.
func messageGen() *rapid.Generator[Message] {
	return rapid.Custom(func(t *rapid.T) Message {
		typ := rapid.SampledFrom(knownTypes()).Draw(t, "type")
		size, _ := Size(typ)
		payload := rapid.SliceOfN(rapid.Byte(), size-1, size-1).Draw(t, "payload")
		m, err := Decode(append([]byte{byte(typ)}, payload...))
		if err != nil {
			t.Fatalf("decode generated %s: %v", typ, err)
		}
		if bl, ok := m.(*BatteryLevel); ok && math.IsNaN(float64(bl.Level)) {
			bl.Level = 0.5
		}
		return m
	})
}

func TestPropertyRoundTrip(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		m := messageGen().Draw(t, "message")

		b, err := Encode(m)
		require.NoError(t, err)
		size, _ := Size(m.Type())
		require.Len(t, b, size)
		require.Equal(t, byte(m.Type()), b[0])

		got, err := Decode(b)
		require.NoError(t, err)
		require.Equal(t, m, got)
	})
}

func TestPropertyDecodeArbitraryBytesNeverPanics(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		b := rapid.SliceOfN(rapid.Byte(), 0, 40).Draw(t, "raw")
		require.NotPanics(t, func() { _, _ = Decode(b) })
	})
}
