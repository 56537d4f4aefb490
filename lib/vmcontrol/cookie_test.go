package vmcontrol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportCookieRoundTrips(t *testing.T) {
	cookie := TransportCookie{Port: 19042, VmId: 777, Hostname: "host-a"}

	blob, err := EncodeTransportCookie(cookie)
	require.NoError(t, err)

	got, err := DecodeTransportCookie(blob)
	require.NoError(t, err)
	assert.Equal(t, cookie, got)
}

func TestDecodeTransportCookieRejectsGarbage(t *testing.T) {
	_, err := DecodeTransportCookie([]byte("not a gob stream"))
	assert.Error(t, err)
}

func TestSuspendInfoRoundTrips(t *testing.T) {
	instance := Instance{
		MemoryMiB: 2048,
		Cores:     2,
		Disks:     []Disk{{URI: "root.img", Persistent: true}},
		Nics:      []Nic{{MAC: "aa:bb:cc:dd:ee:ff", Network: 1}},
	}
	suspendCookie := []byte{1, 2, 3, 4}

	blob, err := EncodeSuspendInfo(instance, suspendCookie)
	require.NoError(t, err)

	gotInstance, gotCookie, err := DecodeSuspendInfo(blob)
	require.NoError(t, err)
	assert.Equal(t, instance, gotInstance)
	assert.Equal(t, suspendCookie, gotCookie)
}
