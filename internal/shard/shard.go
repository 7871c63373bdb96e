// Package shard implements the binary on-disk formats for one secondary
// index shard: v2 (key-keyed) and v3 (compact postings, one pinned key per
// shard).
package shard

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/leonletto/ledgerdb/internal/dberr"
)

// Key type tags used by the v2 format's per-entry typed key.
const (
	KeyTypeString byte = 0x30
	KeyTypeFloat  byte = 0x21
)

const (
	VersionKeyKeyed byte = 2
	VersionCompact  byte = 3
)

// Posting is one (docID, rowGroup, rowOffset) pointer into the columnar
// data file.
type Posting struct {
	DocID     string
	RowGroup  uint32
	RowOffset uint32
}

// Entry is a decoded v2 record: a typed key plus its posting.
type Entry struct {
	Key     any // string or float64
	Posting Posting
}

// EncodeV2 serializes entries in key-keyed form. Entries are written in the
// order given; callers that need sorted-by-key range shards must sort
// beforehand.
func EncodeV2(entries []Entry) ([]byte, error) {
	buf := make([]byte, 0, 5+len(entries)*24)
	buf = append(buf, VersionKeyKeyed)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(entries)))

	for _, e := range entries {
		keyBytes, typeTag, err := encodeKey(e.Key)
		if err != nil {
			return nil, err
		}
		if len(keyBytes) > math.MaxUint16-1 {
			return nil, fmt.Errorf("shard: key too long (%d bytes)", len(keyBytes))
		}
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(keyBytes)+1))
		buf = append(buf, typeTag)
		buf = append(buf, keyBytes...)

		docID := []byte(e.Posting.DocID)
		if len(docID) > math.MaxUint16 {
			return nil, fmt.Errorf("shard: docId too long (%d bytes)", len(docID))
		}
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(docID)))
		buf = append(buf, docID...)
		buf = binary.BigEndian.AppendUint32(buf, e.Posting.RowGroup)
		buf = binary.BigEndian.AppendUint32(buf, e.Posting.RowOffset)
	}
	return buf, nil
}

func encodeKey(key any) (data []byte, typeTag byte, err error) {
	switch v := key.(type) {
	case string:
		return []byte(v), KeyTypeString, nil
	case float64:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, math.Float64bits(v))
		return b, KeyTypeFloat, nil
	default:
		return nil, 0, fmt.Errorf("shard: unsupported key type %T", key)
	}
}

// DecodeV2 parses a v2 shard. entryCount == 0 (5-byte header only) is valid
// and returns an empty slice. Unknown key-type prefixes are rejected.
func DecodeV2(data []byte) ([]Entry, error) {
	if len(data) < 5 {
		return nil, dberr.New(dberr.UnsupportedShardVersion, "decodeV2", "")
	}
	if data[0] != VersionKeyKeyed {
		return nil, dberr.New(dberr.UnsupportedShardVersion, "decodeV2", "")
	}
	count := binary.BigEndian.Uint32(data[1:5])
	off := 5
	entries := make([]Entry, 0, count)

	for i := uint32(0); i < count; i++ {
		if off+2 > len(data) {
			return nil, fmt.Errorf("shard: truncated entry %d (key length)", i)
		}
		keyLen := int(binary.BigEndian.Uint16(data[off : off+2]))
		off += 2
		if off+keyLen > len(data) || keyLen < 1 {
			return nil, fmt.Errorf("shard: truncated entry %d (key bytes)", i)
		}
		typeTag := data[off]
		keyBytes := data[off+1 : off+keyLen]
		off += keyLen

		key, err := decodeKey(typeTag, keyBytes)
		if err != nil {
			return nil, err
		}

		if off+2 > len(data) {
			return nil, fmt.Errorf("shard: truncated entry %d (docId length)", i)
		}
		docLen := int(binary.BigEndian.Uint16(data[off : off+2]))
		off += 2
		if off+docLen > len(data) {
			return nil, fmt.Errorf("shard: truncated entry %d (docId bytes)", i)
		}
		docID := string(data[off : off+docLen])
		off += docLen

		if off+8 > len(data) {
			return nil, fmt.Errorf("shard: truncated entry %d (posting)", i)
		}
		rowGroup := binary.BigEndian.Uint32(data[off : off+4])
		rowOffset := binary.BigEndian.Uint32(data[off+4 : off+8])
		off += 8

		entries = append(entries, Entry{Key: key, Posting: Posting{DocID: docID, RowGroup: rowGroup, RowOffset: rowOffset}})
	}
	return entries, nil
}

func decodeKey(typeTag byte, data []byte) (any, error) {
	switch typeTag {
	case KeyTypeString:
		return string(data), nil
	case KeyTypeFloat:
		if len(data) != 8 {
			return nil, fmt.Errorf("shard: malformed float key (%d bytes)", len(data))
		}
		bits := binary.BigEndian.Uint64(data)
		f := math.Float64frombits(bits)
		if f < 0 {
			return nil, fmt.Errorf("shard: negative float key not permitted")
		}
		return f, nil
	default:
		return nil, fmt.Errorf("shard: unknown key type prefix 0x%02x", typeTag)
	}
}

// CompactShard is a decoded v3 shard: a single pinned key plus its
// postings.
type CompactShard struct {
	HasKeyHash bool
	KeyHash    uint32
	Postings   []Posting
}

const flagHasKeyHash byte = 0x01

// EncodeV3 serializes postings in compact form, all implicitly sharing one
// key (recorded in the manifest, not in the shard bytes) unless keyHash is
// supplied for a fast existence pre-check.
func EncodeV3(postings []Posting, keyHash *uint32) ([]byte, error) {
	var flags byte
	if keyHash != nil {
		flags |= flagHasKeyHash
	}

	buf := make([]byte, 0, 6+len(postings)*14)
	buf = append(buf, VersionCompact, flags)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(postings)))
	if keyHash != nil {
		buf = binary.BigEndian.AppendUint32(buf, *keyHash)
	}

	for _, p := range postings {
		docID := []byte(p.DocID)
		if len(docID) > math.MaxUint16 {
			return nil, fmt.Errorf("shard: docId too long (%d bytes)", len(docID))
		}
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(docID)))
		buf = append(buf, docID...)
		buf = binary.BigEndian.AppendUint32(buf, p.RowGroup)
		buf = binary.BigEndian.AppendUint32(buf, p.RowOffset)
	}
	return buf, nil
}

// DecodeV3 parses a v3 shard. Unknown flag bits are rejected.
func DecodeV3(data []byte) (CompactShard, error) {
	if len(data) < 6 {
		return CompactShard{}, dberr.New(dberr.UnsupportedShardVersion, "decodeV3", "")
	}
	if data[0] != VersionCompact {
		return CompactShard{}, dberr.New(dberr.UnsupportedShardVersion, "decodeV3", "")
	}
	flags := data[1]
	if flags&^flagHasKeyHash != 0 {
		return CompactShard{}, dberr.New(dberr.UnsupportedShardVersion, "decodeV3", "")
	}
	count := binary.BigEndian.Uint32(data[2:6])
	off := 6

	out := CompactShard{HasKeyHash: flags&flagHasKeyHash != 0}
	if out.HasKeyHash {
		if off+4 > len(data) {
			return CompactShard{}, fmt.Errorf("shard: truncated keyHash")
		}
		out.KeyHash = binary.BigEndian.Uint32(data[off : off+4])
		off += 4
	}

	out.Postings = make([]Posting, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+2 > len(data) {
			return CompactShard{}, fmt.Errorf("shard: truncated entry %d (docId length)", i)
		}
		docLen := int(binary.BigEndian.Uint16(data[off : off+2]))
		off += 2
		if off+docLen > len(data) {
			return CompactShard{}, fmt.Errorf("shard: truncated entry %d (docId bytes)", i)
		}
		docID := string(data[off : off+docLen])
		off += docLen

		if off+8 > len(data) {
			return CompactShard{}, fmt.Errorf("shard: truncated entry %d (posting)", i)
		}
		rowGroup := binary.BigEndian.Uint32(data[off : off+4])
		rowOffset := binary.BigEndian.Uint32(data[off+4 : off+8])
		off += 8

		out.Postings = append(out.Postings, Posting{DocID: docID, RowGroup: rowGroup, RowOffset: rowOffset})
	}
	return out, nil
}

// Version returns the version byte of a shard's bytes, or an
// UnsupportedShardVersion error if the buffer is too short to contain one.
func Version(data []byte) (byte, error) {
	if len(data) < 1 {
		return 0, dberr.New(dberr.UnsupportedShardVersion, "version", "")
	}
	return data[0], nil
}
