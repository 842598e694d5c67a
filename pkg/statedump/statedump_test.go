package statedump

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDump_JSONWireShape(t *testing.T) {
	d := Dump{{Key: []byte("count"), Value: []byte("1")}}
	raw, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `[["Y291bnQ=","MQ=="]]`, string(raw))

	back, err := Decode(raw)
	require.NoError(t, err)
	assert.True(t, d.Equal(back))
}

func TestDump_DecodeRejectsMalformedEntry(t *testing.T) {
	_, err := Decode([]byte(`[["Y291bnQ="]]`))
	assert.Error(t, err)
}

func TestDump_DecodeNull(t *testing.T) {
	d, err := Decode([]byte(`null`))
	require.NoError(t, err)
	assert.NotNil(t, d)
	assert.Empty(t, d)
}

func TestDump_EqualIsOrderSensitive(t *testing.T) {
	a := Dump{{Key: []byte("a"), Value: []byte("1")}, {Key: []byte("b"), Value: []byte("2")}}
	b := Dump{{Key: []byte("b"), Value: []byte("2")}, {Key: []byte("a"), Value: []byte("1")}}
	assert.False(t, a.Equal(b))
	assert.True(t, a.Equal(a.Clone()))
}

func TestDump_MapRoundTripSortsKeys(t *testing.T) {
	d := FromMap(map[string][]byte{"z": []byte("26"), "a": []byte("1")})
	require.Len(t, d, 2)
	assert.Equal(t, "a", string(d[0].Key))

	v, ok := d.Get("z")
	assert.True(t, ok)
	assert.Equal(t, "26", string(v))
	assert.Equal(t, []byte("1"), d.Map()["a"])
}

func TestDump_Digest(t *testing.T) {
	a := FromMap(map[string][]byte{"k": []byte("v")})
	b := FromMap(map[string][]byte{"k": []byte("v")})
	c := FromMap(map[string][]byte{"k": []byte("w")})

	assert.Equal(t, a.Digest(), b.Digest())
	assert.NotEqual(t, a.Digest(), c.Digest())
	assert.Equal(t, Empty().Digest(), Dump(nil).Digest())
}

func TestDump_CloneIsDeep(t *testing.T) {
	a := Dump{{Key: []byte("k"), Value: []byte("v")}}
	b := a.Clone()
	b[0].Value[0] = 'x'
	assert.Equal(t, "v", string(a[0].Value))
}
