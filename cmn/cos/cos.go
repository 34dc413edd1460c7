// Package cos ("common OS"-style helpers, matching aistore's cmn/cos)
// collects small parsing and JSON utilities shared across the engine:
// IPv4/ip:port normalization per spec §4.8 (standard net/strconv) and
// opaque JSON-blob decoding per spec §6, the latter backed by
// github.com/json-iterator/go the way the teacher's ais/prxs3.go leans on
// jsoniter for wire encoding.
package cos

import (
	"encoding/binary"
	"net"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/kvfabric/datadist/cmn/status"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// IPPort is a normalized "ip:port" endpoint.
type IPPort struct {
	IP   uint32 // big-endian IPv4
	Port uint16
}

func (e IPPort) String() string {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, e.IP)
	return net.IP(b).String() + ":" + strconv.Itoa(int(e.Port))
}

// ParseIPv4 converts a dotted-quad string into its 32-bit representation.
func ParseIPv4(s string) (uint32, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0, status.New(status.ParamInvalid, "ParseIPv4", "invalid IPv4 address %q", s)
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, status.New(status.ParamInvalid, "ParseIPv4", "%q is not IPv4", s)
	}
	return binary.BigEndian.Uint32(v4), nil
}

// ParseIPPort parses "ip:port" into an IPPort, validating the port is in
// [0, 65535] per spec §6 listen_ip_info.
func ParseIPPort(s string) (IPPort, error) {
	idx := strings.LastIndexByte(s, ':')
	if idx < 0 {
		return IPPort{}, status.New(status.ParamInvalid, "ParseIPPort", "%q is not ip:port", s)
	}
	ipPart, portPart := s[:idx], s[idx+1:]
	ip, err := ParseIPv4(ipPart)
	if err != nil {
		return IPPort{}, status.Wrap(status.ParamInvalid, "ParseIPPort", err)
	}
	port, err := strconv.ParseUint(portPart, 10, 32)
	if err != nil || port > 65535 {
		return IPPort{}, status.New(status.ParamInvalid, "ParseIPPort", "port %q out of range [0,65535]", portPart)
	}
	return IPPort{IP: ip, Port: uint16(port)}, nil
}

// DecodeJSONBlob unmarshals an opaque JSON config blob (rank-table,
// mem_pool_cfg, local_comm_res, ...) into dst, wrapping failures as
// ParamInvalid per spec §6 (the blob is consumed opaquely; only structural
// validity is checked by the caller after decode).
func DecodeJSONBlob(op, blob string, dst any) error {
	if strings.TrimSpace(blob) == "" {
		return status.New(status.ParamInvalid, op, "empty JSON blob")
	}
	if err := json.UnmarshalFromString(blob, dst); err != nil {
		return status.Wrap(status.ParamInvalid, op, err)
	}
	return nil
}

// EncodeJSON marshals v to a compact JSON string for logging / round-trip.
func EncodeJSON(v any) string {
	s, err := json.MarshalToString(v)
	if err != nil {
		return "<unencodable>"
	}
	return s
}
