package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacktop/go-microvm"
)

func TestParseArg(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"i32:-5", int32(-5)},
		{"u32:0x10", uint32(16)},
		{"i64:1234567890123", int64(1234567890123)},
		{"u64:42", uint64(42)},
		{"f32:1.5", float32(1.5)},
		{"f64:2.25", 2.25},
		{"bool:true", true},
		{"string:a:b", "a:b"},
		{"string:", ""},
		{"bytes:cafe", []byte{0xca, 0xfe}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseArg(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseArgErrors(t *testing.T) {
	for _, in := range []string{"42", "int:4", "i32:x", "i32:4294967296", "void:", "bytes:xyz", "bool:maybe"} {
		_, err := parseArg(in)
		assert.Error(t, err, in)
	}
}

func TestParseTag(t *testing.T) {
	tag, err := parseTag("string")
	require.NoError(t, err)
	assert.Equal(t, microvm.TagString, tag)

	_, err = parseTag("int")
	assert.Error(t, err)
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "(void)", formatValue(nil))
	assert.Equal(t, "0102", formatValue([]byte{1, 2}))
	assert.Equal(t, `"hi"`, formatValue("hi"))
	assert.Equal(t, "7", formatValue(int32(7)))
}
