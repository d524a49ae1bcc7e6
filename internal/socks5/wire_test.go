package socks5

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hev-proxy/socks5d/internal/endpoint"
)

func TestGreetingRoundTrip(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x05, 0x02, 0x00, 0x02})
	methods, err := ReadGreeting(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x02}, methods)

	assert.Equal(t, byte(0x02), SelectMethod(methods, 0x02))
	assert.Equal(t, MethodNoAcceptable, SelectMethod(methods, 0x01))
}

func TestReadGreetingRejectsBadVersion(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x04, 0x01, 0x00})
	_, err := ReadGreeting(buf)
	require.Error(t, err)
}

func TestUserPassAuthRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x01, 0x05})
	buf.WriteString("alice")
	buf.WriteByte(0x03)
	buf.WriteString("pw1")

	user, pass, err := ReadUserPassAuth(&buf)
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
	assert.Equal(t, "pw1", pass)
}

func TestWriteAuthResult(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteAuthResult(&buf, true))
	assert.Equal(t, []byte{0x01, 0x00}, buf.Bytes())

	buf.Reset()
	require.NoError(t, WriteAuthResult(&buf, false))
	assert.Equal(t, []byte{0x01, 0xff}, buf.Bytes())
}

func TestReadRequestIPv4(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x05, CmdConnect, 0x00, ATypeIPv4, 93, 184, 216, 34, 0x00, 0x50})
	req, err := ReadRequest(buf)
	require.NoError(t, err)
	assert.Equal(t, CmdConnect, req.Cmd)
	assert.Equal(t, KindIPv4, req.Addr.Kind)
	assert.Equal(t, "93.184.216.34", req.Addr.Lit.IP().String())
	assert.Equal(t, uint16(80), req.Addr.Port)
}

func TestReadRequestDomain(t *testing.T) {
	name := "example.com"
	var buf bytes.Buffer
	buf.Write([]byte{0x05, CmdConnect, 0x00, ATypeDomain, byte(len(name))})
	buf.WriteString(name)
	buf.Write([]byte{0x00, 0x50})

	req, err := ReadRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, KindDomain, req.Addr.Kind)
	assert.Equal(t, name, req.Addr.Domain)
	assert.Equal(t, uint16(80), req.Addr.Port)
}

func TestReadRequestDomainLiteralIsConvertedDirectly(t *testing.T) {
	name := "127.0.0.1"
	var buf bytes.Buffer
	buf.Write([]byte{0x05, CmdConnect, 0x00, ATypeDomain, byte(len(name))})
	buf.WriteString(name)
	buf.Write([]byte{0x1f, 0x90})

	req, err := ReadRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, KindIPv4, req.Addr.Kind)
	assert.Equal(t, "127.0.0.1", req.Addr.Lit.IP().String())
}

func TestWriteReplyIPv4(t *testing.T) {
	ep, ok := endpoint.Parse("10.0.0.5", 1080)
	require.True(t, ok)

	var buf bytes.Buffer
	require.NoError(t, WriteReply(&buf, RepSuccess, ep))
	want := []byte{0x05, 0x00, 0x00, ATypeIPv4, 10, 0, 0, 5, 0x04, 0x38}
	assert.Equal(t, want, buf.Bytes())
}

func TestWriteReplyZeroEndpointIsIPv4(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteReply(&buf, RepCommandNotSupported, endpoint.Endpoint{}))
	want := []byte{0x05, RepCommandNotSupported, 0x00, ATypeIPv4, 0, 0, 0, 0, 0, 0}
	assert.Equal(t, want, buf.Bytes())
}

func TestWriteReplyIPv6(t *testing.T) {
	ep, ok := endpoint.Parse("2001:db8::1", 443)
	require.True(t, ok)

	var buf bytes.Buffer
	require.NoError(t, WriteReply(&buf, RepSuccess, ep))
	assert.Equal(t, byte(ATypeIPv6), buf.Bytes()[3])
	assert.Len(t, buf.Bytes(), 4+16+2)
}

func TestUDPDatagramRoundTrip(t *testing.T) {
	dst, ok := endpoint.Parse("8.8.8.8", 53)
	require.True(t, ok)
	payload := []byte("hello dns")

	encoded := EncodeUDPDatagram(0x00, dst, payload)
	hdr, data, err := DecodeUDPDatagram(encoded)
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), hdr.Frag)
	assert.Equal(t, KindIPv4, hdr.Addr.Kind)
	assert.Equal(t, "8.8.8.8", hdr.Addr.Lit.IP().String())
	assert.Equal(t, uint16(53), hdr.Addr.Port)
	assert.Equal(t, payload, data)
}

func TestDecodeUDPDatagramTooShort(t *testing.T) {
	_, _, err := DecodeUDPDatagram([]byte{0x00, 0x00})
	require.Error(t, err)
}
