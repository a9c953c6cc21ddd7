package sqlvalue

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRichRoundTrip(t *testing.T) {
	cases := []Value{
		Null(),
		Integer(42),
		Real(3.5),
		Text("hello"),
		Blob([]byte{1, 2, 3, 4}),
	}

	for _, v := range cases {
		raw, err := ToJSONRich(v)
		require.NoError(t, err)

		got, err := FromJSONRich(raw)
		require.NoError(t, err)
		assert.Equal(t, v.Kind(), got.Kind())

		switch v.Kind() {
		case KindInteger:
			assert.Equal(t, v.Int(), got.Int())
		case KindReal:
			assert.Equal(t, v.Float(), got.Float())
		case KindText:
			assert.Equal(t, v.String(), got.String())
		case KindBlob:
			assert.Equal(t, v.Bytes(), got.Bytes())
		}
	}
}

func TestRichRejectsNonFiniteFloat(t *testing.T) {
	_, err := ToJSONRich(Real(1.0 / zero()))
	assert.Error(t, err)
}

func zero() float64 { return 0 }

func TestFlatDisambiguatesBlobFromText(t *testing.T) {
	raw := json.RawMessage(`"aGVsbG8"`)

	text, err := FromJSONFlat(ColumnText, raw)
	require.NoError(t, err)
	assert.Equal(t, KindText, text.Kind())
	assert.Equal(t, "aGVsbG8", text.String())

	blob, err := FromJSONFlat(ColumnBlob, raw)
	require.NoError(t, err)
	assert.Equal(t, KindBlob, blob.Kind())
	assert.Equal(t, []byte("hello"), blob.Bytes())
}

func TestFlatRejectsFractionalIntoInteger(t *testing.T) {
	_, err := FromJSONFlat(ColumnInteger, json.RawMessage(`1.5`))
	assert.Error(t, err)
}

func TestEncodeDecodeIDRoundTrip(t *testing.T) {
	enc, err := EncodeID(Integer(123))
	require.NoError(t, err)
	assert.Equal(t, "123", enc)

	dec, err := DecodeID(ColumnInteger, enc)
	require.NoError(t, err)
	assert.Equal(t, int64(123), dec.Int())
}

func TestParamsMergeAndArgs(t *testing.T) {
	p := NewParams()
	p.Bind("id", Integer(1))

	other := NewParams()
	other.Bind("user_id", Text("u1"))
	p.Merge(other)

	assert.Equal(t, 2, p.Len())
	assert.Len(t, p.Args(), 2)
}
