// Package wire implements the Host Command wire format: the 8-byte request
// and response headers, the additive checksum, and the frame validator that
// turns a raw rx buffer into a decoded Request.
//
// RequestLayer and ResponseLayer adapt the two frame types to
// gopacket.DecodingLayer/SerializableLayer so the same layered-decode idiom
// used elsewhere in this ecosystem for checksummed binary protocols applies
// here too: DecodeFromBytes does not copy the frame (its contents and
// payload are views into the input) and returns a typed decode error the
// caller can branch on.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ProtocolVersion is the only protocol version this dispatcher accepts.
const ProtocolVersion = 3

// HeaderSize is the on-wire size of both the request and response headers.
const HeaderSize = 8

// MinBufferSize is the implementation-minimum size for rx/tx buffers.
const MinBufferSize = 256

// Status is the taxonomy carried in a response header's result field.
type Status uint16

const (
	StatusSuccess           Status = 0
	StatusInvalidCommand    Status = 1
	StatusError             Status = 2
	StatusInvalidParam      Status = 3
	StatusAccessDenied      Status = 4
	StatusInvalidResponse   Status = 5
	StatusInvalidVersion    Status = 6
	StatusInvalidChecksum   Status = 7
	StatusRequestTruncated  Status = 8
	StatusInvalidHeader     Status = 9
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusInvalidCommand:
		return "INVALID_COMMAND"
	case StatusError:
		return "ERROR"
	case StatusInvalidParam:
		return "INVALID_PARAM"
	case StatusAccessDenied:
		return "ACCESS_DENIED"
	case StatusInvalidResponse:
		return "INVALID_RESPONSE"
	case StatusInvalidVersion:
		return "INVALID_VERSION"
	case StatusInvalidChecksum:
		return "INVALID_CHECKSUM"
	case StatusRequestTruncated:
		return "REQUEST_TRUNCATED"
	case StatusInvalidHeader:
		return "INVALID_HEADER"
	default:
		return fmt.Sprintf("Status(%d)", uint16(s))
	}
}

// LayerTypeRequest and LayerTypeResponse register this package's two frame
// types with gopacket so they can be decoded through DecodingLayerParser
// chains the way other layered protocols in this stack are.
var (
	LayerTypeRequest  = gopacket.RegisterLayerType(4601, gopacket.LayerTypeMetadata{Name: "HostCommandRequest", Decoder: gopacket.DecodeFunc(decodeRequestLayer)})
	LayerTypeResponse = gopacket.RegisterLayerType(4602, gopacket.LayerTypeMetadata{Name: "HostCommandResponse", Decoder: gopacket.DecodeFunc(decodeResponseLayer)})
)

// RequestHeader is the 8-byte little-endian request header.
type RequestHeader struct {
	ProtocolVersion uint8
	Checksum        uint8
	CmdID           uint16
	CmdVer          uint8
	Reserved        uint8
	DataLen         uint16
}

// ResponseHeader is the 8-byte little-endian response header.
type ResponseHeader struct {
	ProtocolVersion uint8
	Checksum        uint8
	Result          Status
	DataLen         uint16
	Reserved        uint16
}

// Checksum returns (-sum(buf)) mod 256 as a u8, the frame's additive checksum.
func Checksum(buf []byte) byte {
	var sum byte
	for _, b := range buf {
		sum += b
	}
	return byte(-int8(sum))
}

// ChecksumValid reports whether buf, including its checksum byte, sums to
// zero modulo 256.
func ChecksumValid(buf []byte) bool {
	var sum byte
	for _, b := range buf {
		sum += b
	}
	return sum == 0
}

// EncodeRequestHeader writes h into the first HeaderSize bytes of dst.
func EncodeRequestHeader(dst []byte, h RequestHeader) {
	_ = dst[HeaderSize-1]
	dst[0] = h.ProtocolVersion
	dst[1] = h.Checksum
	binary.LittleEndian.PutUint16(dst[2:4], h.CmdID)
	dst[4] = h.CmdVer
	dst[5] = h.Reserved
	binary.LittleEndian.PutUint16(dst[6:8], h.DataLen)
}

// DecodeRequestHeader reads a RequestHeader from the first HeaderSize bytes
// of src. Callers must ensure len(src) >= HeaderSize.
func DecodeRequestHeader(src []byte) RequestHeader {
	_ = src[HeaderSize-1]
	return RequestHeader{
		ProtocolVersion: src[0],
		Checksum:        src[1],
		CmdID:           binary.LittleEndian.Uint16(src[2:4]),
		CmdVer:          src[4],
		Reserved:        src[5],
		DataLen:         binary.LittleEndian.Uint16(src[6:8]),
	}
}

// EncodeResponseHeader writes h into the first HeaderSize bytes of dst.
func EncodeResponseHeader(dst []byte, h ResponseHeader) {
	_ = dst[HeaderSize-1]
	dst[0] = h.ProtocolVersion
	dst[1] = h.Checksum
	binary.LittleEndian.PutUint16(dst[2:4], uint16(h.Result))
	binary.LittleEndian.PutUint16(dst[4:6], h.DataLen)
	binary.LittleEndian.PutUint16(dst[6:8], h.Reserved)
}

// DecodeResponseHeader reads a ResponseHeader from the first HeaderSize
// bytes of src. Callers must ensure len(src) >= HeaderSize.
func DecodeResponseHeader(src []byte) ResponseHeader {
	_ = src[HeaderSize-1]
	return ResponseHeader{
		ProtocolVersion: src[0],
		Checksum:        src[1],
		Result:          Status(binary.LittleEndian.Uint16(src[2:4])),
		DataLen:         binary.LittleEndian.Uint16(src[4:6]),
		Reserved:        binary.LittleEndian.Uint16(src[6:8]),
	}
}

// Request is a validated, decoded incoming frame: the header plus a view of
// its payload inside the buffer it was validated from.
type Request struct {
	Header  RequestHeader
	Payload []byte
}

// ValidationError carries the specific rejection status produced by
// ValidateRequest.
type ValidationError struct {
	Status Status
}

func (e *ValidationError) Error() string {
	return "wire: request rejected: " + e.Status.String()
}

// ValidateRequest runs the ordered validation chain over buf[:n]
// (n == the number of bytes the transport reported as received). If scratch
// is non-nil, it is the raw transport-owned staging buffer; on success its
// first `expected` bytes are copied into buf (copy-after-validate, to avoid
// a time-of-check-time-of-use race with a host that shares the memory).
// When scratch is nil, buf is validated and read in place.
func ValidateRequest(buf []byte, n int, scratch []byte) (Request, error) {
	if n < HeaderSize {
		return Request{}, &ValidationError{Status: StatusRequestTruncated}
	}
	source := buf
	if scratch != nil {
		source = scratch
	}
	hdr := DecodeRequestHeader(source[:HeaderSize])
	if hdr.ProtocolVersion != ProtocolVersion {
		return Request{}, &ValidationError{Status: StatusInvalidHeader}
	}
	expected := int(hdr.DataLen) + HeaderSize
	if n < expected {
		return Request{}, &ValidationError{Status: StatusRequestTruncated}
	}
	// A scratch region larger than buf could declare a frame that the
	// isolated buffer can't hold; the snapshot would be partial, so the
	// frame is truncated from buf's point of view.
	if expected > len(buf) {
		return Request{}, &ValidationError{Status: StatusRequestTruncated}
	}
	if !ChecksumValid(source[:expected]) {
		return Request{}, &ValidationError{Status: StatusInvalidChecksum}
	}
	if scratch != nil {
		copy(buf[:expected], scratch[:expected])
	}
	return Request{
		Header:  hdr,
		Payload: buf[HeaderSize:expected],
	}, nil
}

// BuildErrorResponse writes a header-only error response (data_len=0, a
// correct checksum) into dst and returns its length.
func BuildErrorResponse(dst []byte, status Status) int {
	hdr := ResponseHeader{ProtocolVersion: ProtocolVersion, Result: status}
	EncodeResponseHeader(dst, hdr)
	dst[1] = Checksum(dst[:HeaderSize])
	return HeaderSize
}

// BuildResponse writes a success response header over a payload of dataLen
// bytes already staged at dst[HeaderSize:HeaderSize+dataLen], filling in the
// checksum, and returns the total frame length. Returns an error if the
// frame would not fit in dst. Non-success outcomes are always header-only
// and go through BuildErrorResponse instead.
func BuildResponse(dst []byte, dataLen int) (int, error) {
	total := HeaderSize + dataLen
	if total > len(dst) {
		return 0, fmt.Errorf("wire: response of %d bytes exceeds buffer of %d", total, len(dst))
	}
	hdr := ResponseHeader{ProtocolVersion: ProtocolVersion, Result: StatusSuccess, DataLen: uint16(dataLen)}
	EncodeResponseHeader(dst, hdr)
	dst[1] = Checksum(dst[:total])
	return total, nil
}

// RequestLayer and ResponseLayer adapt the two frame types to gopacket's
// DecodingLayer/SerializableLayer contracts for callers that want to drive
// this protocol through a gopacket DecodingLayerParser chain (for example
// to capture and replay traffic against the simulator transport).
type RequestLayer struct {
	layers.BaseLayer
	Header RequestHeader
}

func (r *RequestLayer) LayerType() gopacket.LayerType { return LayerTypeRequest }

func (r *RequestLayer) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	req, err := ValidateRequest(data, len(data), nil)
	if err != nil {
		return err
	}
	r.Header = req.Header
	r.BaseLayer = layers.BaseLayer{Contents: data[:HeaderSize+int(req.Header.DataLen)], Payload: req.Payload}
	return nil
}

func (r *RequestLayer) CanDecode() gopacket.LayerClass    { return LayerTypeRequest }
func (r *RequestLayer) NextLayerType() gopacket.LayerType { return gopacket.LayerTypePayload }

// SerializeTo implements gopacket.SerializableLayer: it prepends an 8-byte
// request header ahead of whatever payload is already in b, recomputing
// DataLen and the checksum when opts.FixLengths/ComputeChecksums are set.
func (r *RequestLayer) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	payload := b.Bytes()
	hdr := r.Header
	if opts.FixLengths {
		hdr.DataLen = uint16(len(payload))
	}
	bytes, err := b.PrependBytes(HeaderSize)
	if err != nil {
		return err
	}
	hdr.Checksum = 0
	EncodeRequestHeader(bytes, hdr)
	if opts.ComputeChecksums {
		bytes[1] = Checksum(b.Bytes())
	}
	return nil
}

func decodeRequestLayer(data []byte, p gopacket.PacketBuilder) error {
	layer := &RequestLayer{}
	if err := layer.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(layer)
	return p.NextDecoder(gopacket.LayerTypePayload)
}

type ResponseLayer struct {
	layers.BaseLayer
	Header ResponseHeader
}

func (r *ResponseLayer) LayerType() gopacket.LayerType { return LayerTypeResponse }

func (r *ResponseLayer) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < HeaderSize {
		return &ValidationError{Status: StatusRequestTruncated}
	}
	hdr := DecodeResponseHeader(data[:HeaderSize])
	total := HeaderSize + int(hdr.DataLen)
	if len(data) < total {
		return &ValidationError{Status: StatusRequestTruncated}
	}
	r.Header = hdr
	r.BaseLayer = layers.BaseLayer{Contents: data[:total], Payload: data[HeaderSize:total]}
	return nil
}

func (r *ResponseLayer) CanDecode() gopacket.LayerClass    { return LayerTypeResponse }
func (r *ResponseLayer) NextLayerType() gopacket.LayerType { return gopacket.LayerTypePayload }

func (r *ResponseLayer) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	payload := b.Bytes()
	hdr := r.Header
	if opts.FixLengths {
		hdr.DataLen = uint16(len(payload))
	}
	bytes, err := b.PrependBytes(HeaderSize)
	if err != nil {
		return err
	}
	hdr.Checksum = 0
	EncodeResponseHeader(bytes, hdr)
	if opts.ComputeChecksums {
		bytes[1] = Checksum(b.Bytes())
	}
	return nil
}

func decodeResponseLayer(data []byte, p gopacket.PacketBuilder) error {
	layer := &ResponseLayer{}
	if err := layer.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(layer)
	return p.NextDecoder(gopacket.LayerTypePayload)
}

var (
	_ gopacket.DecodingLayer     = (*RequestLayer)(nil)
	_ gopacket.SerializableLayer = (*RequestLayer)(nil)
	_ gopacket.DecodingLayer     = (*ResponseLayer)(nil)
	_ gopacket.SerializableLayer = (*ResponseLayer)(nil)
)
