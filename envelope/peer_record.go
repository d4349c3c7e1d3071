package envelope

import (
	"encoding/binary"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
)

// PeerRecordDomain is the domain string used to seal and open PeerRecord
// envelopes, matching the well-known libp2p peer-record domain.
const PeerRecordDomain = "libp2p-peer-record"

// PeerRecordCodec is the multicodec-style payload type tag for PeerRecord.
var PeerRecordCodec = []byte{0x03, 0x01}

const (
	maxPeerRecordFieldLen = 64 << 10 // 64 KiB per field
	maxPeerRecordAddrs    = 1000
)

// ErrTooManyAddresses is returned when a PeerRecord carries more than
// maxPeerRecordAddrs addresses.
type ErrTooManyAddresses struct{ N int }

func (e *ErrTooManyAddresses) Error() string {
	return fmt.Sprintf("envelope: peer record carries too many addresses (%d)", e.N)
}

// PeerRecord is the payload the router seals when it needs to hand a peer
// exchange candidate a verifiable address hint.
//
// Wire layout: varint(|peerID|)||peerID || varint(seq) || varint(count) ||
// repeat count times: varint(|addr|)||addrBytes.
type PeerRecord struct {
	PeerID    peer.ID
	Seq       uint64
	Addrs     [][]byte // opaque multiaddr bytes; encoding multiaddrs is the transport layer's concern
}

func (r *PeerRecord) Domain() string { return PeerRecordDomain }
func (r *PeerRecord) Codec() []byte  { return PeerRecordCodec }

func (r *PeerRecord) Marshal() ([]byte, error) {
	if len(r.Addrs) > maxPeerRecordAddrs {
		return nil, &ErrTooManyAddresses{len(r.Addrs)}
	}

	peerIDBytes := []byte(r.PeerID)
	if len(peerIDBytes) > maxPeerRecordFieldLen {
		return nil, &ErrFieldTooLarge{"peerID", len(peerIDBytes)}
	}

	var buf []byte
	buf = appendLenPrefixed(buf, peerIDBytes)
	buf = appendUvarint(buf, r.Seq)
	buf = appendUvarint(buf, uint64(len(r.Addrs)))
	for _, a := range r.Addrs {
		if len(a) > maxPeerRecordFieldLen {
			return nil, &ErrFieldTooLarge{"addr", len(a)}
		}
		buf = appendLenPrefixed(buf, a)
	}
	return buf, nil
}

// UnmarshalPeerRecord decodes a PeerRecord from payload bytes (as returned
// by Open/OpenAs).
func UnmarshalPeerRecord(payload []byte) (*PeerRecord, error) {
	r := &byteReader{data: payload}

	idBytes, err := readLenPrefixed(r, maxPeerRecordFieldLen, "peerID")
	if err != nil {
		return nil, err
	}
	seq, err := r.readUvarint()
	if err != nil {
		return nil, err
	}
	count, err := r.readUvarint()
	if err != nil {
		return nil, err
	}
	if count > maxPeerRecordAddrs {
		return nil, &ErrTooManyAddresses{int(count)}
	}

	addrs := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		a, err := readLenPrefixed(r, maxPeerRecordFieldLen, "addr")
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, a)
	}
	if r.remaining() != 0 {
		return nil, ErrInvalidFormat
	}

	return &PeerRecord{
		PeerID: peer.ID(idBytes),
		Seq:    seq,
		Addrs:  addrs,
	}, nil
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}
