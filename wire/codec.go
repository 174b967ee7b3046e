// Copyright 2025-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

// Package wire encodes and decodes the framed binary key/value protocol.
// In-memory packets are gomemcached requests and responses; this package
// owns the byte layout, including the alt-request magic that carries
// framing extras and the collection id prefix on keys.
package wire

import (
	"encoding/binary"
	"io"

	mc "github.com/couchbase/gomemcached"

	"github.com/couchbase/gokvclient/base"
)

// RequestSize is the number of bytes EncodeRequest will produce.
func RequestSize(req *mc.MCRequest, frameExtras []byte) int {
	return mc.HDR_LEN + len(frameExtras) + len(req.Extras) + len(req.Key) + len(req.Body)
}

// EncodeRequest appends the wire form of req to dst and returns the
// extended slice. A non-empty frameExtras switches the packet to the alt
// request magic: the key length field narrows to one byte and the framing
// extras length takes its place.
func EncodeRequest(dst []byte, req *mc.MCRequest, frameExtras []byte) []byte {
	pos := len(dst)
	dst = append(dst, make([]byte, mc.HDR_LEN)...)
	hdr := dst[pos:]

	if len(frameExtras) > 0 {
		hdr[0] = base.ALT_REQ_MAGIC
		hdr[2] = byte(len(frameExtras))
		hdr[3] = byte(len(req.Key))
	} else {
		hdr[0] = mc.REQ_MAGIC
		binary.BigEndian.PutUint16(hdr[2:4], uint16(len(req.Key)))
	}
	hdr[1] = byte(req.Opcode)
	hdr[4] = byte(len(req.Extras))
	hdr[5] = req.DataType
	binary.BigEndian.PutUint16(hdr[6:8], req.VBucket)
	bodyLen := len(frameExtras) + len(req.Extras) + len(req.Key) + len(req.Body)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(bodyLen))
	binary.BigEndian.PutUint32(hdr[12:16], req.Opaque)
	binary.BigEndian.PutUint64(hdr[16:24], req.Cas)

	dst = append(dst, frameExtras...)
	dst = append(dst, req.Extras...)
	dst = append(dst, req.Key...)
	dst = append(dst, req.Body...)
	return dst
}

// ResponseBodyLen extracts the body length from a 24-byte response header.
func ResponseBodyLen(hdr []byte) int {
	return int(binary.BigEndian.Uint32(hdr[8:12]))
}

// DecodeResponse parses a response from its header and body. The returned
// response borrows subslices of body; the caller must not recycle body
// while the response is alive.
func DecodeResponse(hdr []byte, body []byte) (*mc.MCResponse, error) {
	if len(hdr) < mc.HDR_LEN {
		return nil, base.ErrorMalformedPacket
	}

	var flexLen, keyLen int
	switch hdr[0] {
	case mc.RES_MAGIC:
		keyLen = int(binary.BigEndian.Uint16(hdr[2:4]))
	case base.ALT_RES_MAGIC:
		flexLen = int(hdr[2])
		keyLen = int(hdr[3])
	default:
		return nil, base.ErrorMalformedPacket
	}

	extrasLen := int(hdr[4])
	if len(body) != ResponseBodyLen(hdr) || flexLen+extrasLen+keyLen > len(body) {
		return nil, base.ErrorMalformedPacket
	}

	res := &mc.MCResponse{
		Opcode:   mc.CommandCode(hdr[1]),
		DataType: hdr[5],
		Status:   mc.Status(binary.BigEndian.Uint16(hdr[6:8])),
		Opaque:   binary.BigEndian.Uint32(hdr[12:16]),
		Cas:      binary.BigEndian.Uint64(hdr[16:24]),
	}

	pos := 0
	if flexLen > 0 {
		res.FlexibleExtras = body[:flexLen]
		pos += flexLen
	}
	if extrasLen > 0 {
		res.Extras = body[pos : pos+extrasLen]
		pos += extrasLen
	}
	if keyLen > 0 {
		res.Key = body[pos : pos+keyLen]
		pos += keyLen
	}
	res.Body = body[pos:]
	return res, nil
}

// ReadResponse pulls one full response off the reader. hdrBuf must be at
// least 24 bytes and is reused across calls; the body is freshly
// allocated since the decoded response keeps referencing it.
func ReadResponse(r io.Reader, hdrBuf []byte) (*mc.MCResponse, error) {
	if _, err := io.ReadFull(r, hdrBuf[:mc.HDR_LEN]); err != nil {
		return nil, err
	}
	if hdrBuf[0] != mc.RES_MAGIC && hdrBuf[0] != base.ALT_RES_MAGIC {
		return nil, base.ErrorMalformedPacket
	}
	bodyLen := ResponseBodyLen(hdrBuf)
	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
	}
	return DecodeResponse(hdrBuf[:mc.HDR_LEN], body)
}

// DecodeRequest parses a request packet, the mirror of EncodeRequest.
// The proxy uses it to peek at opcodes and keys of forwarded frames.
func DecodeRequest(hdr []byte, body []byte) (*mc.MCRequest, []byte, error) {
	if len(hdr) < mc.HDR_LEN {
		return nil, nil, base.ErrorMalformedPacket
	}

	var flexLen, keyLen int
	switch hdr[0] {
	case mc.REQ_MAGIC:
		keyLen = int(binary.BigEndian.Uint16(hdr[2:4]))
	case base.ALT_REQ_MAGIC:
		flexLen = int(hdr[2])
		keyLen = int(hdr[3])
	default:
		return nil, nil, base.ErrorMalformedPacket
	}

	extrasLen := int(hdr[4])
	if len(body) != int(binary.BigEndian.Uint32(hdr[8:12])) || flexLen+extrasLen+keyLen > len(body) {
		return nil, nil, base.ErrorMalformedPacket
	}

	req := &mc.MCRequest{
		Opcode:   mc.CommandCode(hdr[1]),
		DataType: hdr[5],
		VBucket:  binary.BigEndian.Uint16(hdr[6:8]),
		Opaque:   binary.BigEndian.Uint32(hdr[12:16]),
		Cas:      binary.BigEndian.Uint64(hdr[16:24]),
	}

	pos := flexLen
	frameExtras := body[:flexLen]
	if extrasLen > 0 {
		req.Extras = body[pos : pos+extrasLen]
		pos += extrasLen
	}
	if keyLen > 0 {
		req.Key = body[pos : pos+keyLen]
		req.Keylen = keyLen
		pos += keyLen
	}
	req.Body = body[pos:]
	return req, frameExtras, nil
}
