package vmcontrol

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// TransportCookie is the decoded form of the opaque blob PrepReceiveVM
// returns and MigrateVM consumes. It carries exactly the three fields
// spec.md section 6 names: the migration port, the receiving vmId, and the
// hostname of the host that built the cookie (PrepReceiveVM's own host).
type TransportCookie struct {
	Port     uint16
	VmId     uint32
	Hostname string
}

// EncodeTransportCookie serializes a TransportCookie to an opaque blob.
// gob is this core's "decodable only by this core" wire format, playing
// the role the original implementation gave to Python's pickle.
func EncodeTransportCookie(c TransportCookie) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c); err != nil {
		return nil, fmt.Errorf("encode transport cookie: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeTransportCookie parses a blob produced by EncodeTransportCookie.
func DecodeTransportCookie(blob []byte) (TransportCookie, error) {
	var c TransportCookie
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&c); err != nil {
		return TransportCookie{}, fmt.Errorf("decode transport cookie: %w", err)
	}
	return c, nil
}

// SuspendInfo is the tuple persisted to DFS at "{target}.info" by SuspendVM
// and read back by ResumeVM: the instance descriptor needed to restart the
// VM, and the caller's opaque suspendCookie round-tripped unchanged.
type SuspendInfo struct {
	Instance      Instance
	SuspendCookie []byte
}

// EncodeSuspendInfo serializes a SuspendInfo to an opaque blob.
func EncodeSuspendInfo(instance Instance, suspendCookie []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(SuspendInfo{Instance: instance, SuspendCookie: suspendCookie}); err != nil {
		return nil, fmt.Errorf("encode suspend info: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeSuspendInfo parses a blob produced by EncodeSuspendInfo.
func DecodeSuspendInfo(blob []byte) (Instance, []byte, error) {
	var info SuspendInfo
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&info); err != nil {
		return Instance{}, nil, fmt.Errorf("decode suspend info: %w", err)
	}
	return info.Instance, info.SuspendCookie, nil
}
