package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePayload_KeySpellings(t *testing.T) {
	bodies := []string{
		`{"class":"NewsletterMailer","args":["foo@bar.com",3]}`,
		`{":class":"NewsletterMailer",":args":["foo@bar.com",3]}`,
		`{"Class":"NewsletterMailer","ARGS":["foo@bar.com",3]}`,
	}

	var decoded []Payload
	for _, b := range bodies {
		p, err := DecodePayload([]byte(b))
		require.NoError(t, err, b)
		decoded = append(decoded, p)
	}

	for _, p := range decoded[1:] {
		assert.Equal(t, decoded[0].Class, p.Class)
		assert.Equal(t, decoded[0].Args.String(), p.Args.String())
	}

	var email string
	var n int
	require.NoError(t, decoded[0].Args.Decode(0, &email))
	require.NoError(t, decoded[0].Args.Decode(1, &n))
	assert.Equal(t, "foo@bar.com", email)
	assert.Equal(t, 3, n)
}

func TestDecodePayload_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"garbage", `^%$*&^*`},
		{"array", `["class","args"]`},
		{"null", `null`},
		{"missing class", `{"args":[]}`},
		{"empty class", `{"class":"","args":[]}`},
		{"class not string", `{"class":12,"args":[]}`},
		{"missing args", `{"class":"Foo"}`},
		{"args null", `{"class":"Foo","args":null}`},
		{"args object", `{"class":"Foo","args":{"a":1}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePayload([]byte(tt.body))
			assert.ErrorIs(t, err, ErrJobFormatInvalid)
		})
	}
}

func TestPayload_EncodeRoundTrip(t *testing.T) {
	p, err := NewPayload("Foo::BarBaz", "x", map[string]int{"n": 1})
	require.NoError(t, err)

	body, err := p.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"class":"Foo::BarBaz","args":["x",{"n":1}]}`, string(body))

	back, err := DecodePayload(body)
	require.NoError(t, err)
	assert.Equal(t, "Foo::BarBaz", back.Class)
	assert.Equal(t, 2, back.Args.Len())
}

func TestPayload_EncodeNoArgs(t *testing.T) {
	body, err := Payload{Class: "Ping"}.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"class":"Ping","args":[]}`, string(body))
}

func TestArgs_Values(t *testing.T) {
	args, err := NewArgs(1, "two", true)
	require.NoError(t, err)

	assert.Equal(t, []any{float64(1), "two", true}, args.Values())
	assert.Equal(t, `[1,"two",true]`, args.String())
	assert.Error(t, args.Decode(3, new(int)))
}
