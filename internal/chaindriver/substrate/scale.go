// Package substrate is the Substrate-style chain driver backend: a thin,
// dynamic-metadata-shaped client speaking generic JSON-RPC, covering only
// the SCALE subset the watcher needs (fixed-width integers and byte
// vectors). It mirrors the weight and shape of the CosmWasm stub backend
// (pkg/chain/strategy/cosmwasm_strategy.go): most capability methods are
// not yet implemented end-to-end, while the driver shape, dial path, and
// config surface are real.
package substrate

import (
	"encoding/binary"
	"fmt"
)

// encodeCompactU32 writes n using SCALE's compact integer encoding, the
// only variable-length primitive this subset covers (used for length
// prefixes on byte vectors).
func encodeCompactU32(n uint32) []byte {
	switch {
	case n < 1<<6:
		return []byte{byte(n) << 2}
	case n < 1<<14:
		v := (n << 2) | 0b01
		return []byte{byte(v), byte(v >> 8)}
	case n < 1<<30:
		v := (n << 2) | 0b10
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, v)
		return buf
	default:
		buf := make([]byte, 5)
		buf[0] = 0b11
		binary.LittleEndian.PutUint32(buf[1:], n)
		return buf
	}
}

// decodeCompactU32 reads a SCALE compact-encoded u32 from the front of b,
// returning the value and the number of bytes consumed.
func decodeCompactU32(b []byte) (uint32, int, error) {
	if len(b) == 0 {
		return 0, 0, fmt.Errorf("scale: empty compact int")
	}
	mode := b[0] & 0b11
	switch mode {
	case 0b00:
		return uint32(b[0] >> 2), 1, nil
	case 0b01:
		if len(b) < 2 {
			return 0, 0, fmt.Errorf("scale: truncated 2-byte compact int")
		}
		v := binary.LittleEndian.Uint16(b[:2])
		return uint32(v >> 2), 2, nil
	case 0b10:
		if len(b) < 4 {
			return 0, 0, fmt.Errorf("scale: truncated 4-byte compact int")
		}
		v := binary.LittleEndian.Uint32(b[:4])
		return v >> 2, 4, nil
	default:
		if len(b) < 5 {
			return 0, 0, fmt.Errorf("scale: truncated big compact int")
		}
		return binary.LittleEndian.Uint32(b[1:5]), 5, nil
	}
}

// encodeBytes SCALE-encodes a byte vector: a compact length prefix
// followed by the raw bytes.
func encodeBytes(b []byte) []byte {
	out := encodeCompactU32(uint32(len(b)))
	return append(out, b...)
}

// decodeBytes reads a SCALE-encoded byte vector from the front of b,
// returning the decoded bytes and the remainder.
func decodeBytes(b []byte) ([]byte, []byte, error) {
	n, consumed, err := decodeCompactU32(b)
	if err != nil {
		return nil, nil, err
	}
	rest := b[consumed:]
	if uint32(len(rest)) < n {
		return nil, nil, fmt.Errorf("scale: byte vector length %d overruns input", n)
	}
	return rest[:n], rest[n:], nil
}

// encodeU32 SCALE-encodes a fixed-width u32 (little-endian, unlike the
// compact form above).
func encodeU32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return buf
}

// encodeU64 SCALE-encodes a fixed-width u64 (little-endian).
func encodeU64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}
