package gossipsub

import (
	"bytes"
	"encoding/binary"

	"github.com/libp2p/go-gossipsub-core/pb"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// signingBytes builds the deterministic byte sequence a message's
// signature covers. The real wire codec (protobuf field ordering per the
// libp2p pubsub spec) is out of scope for this module; this is a
// structural stand-in with the same shape — a length-prefixed
// concatenation of the signed fields — used consistently by both
// Router.publishLocked (signing) and verifySignature (verification).
func signingBytes(msg *pb.Message) []byte {
	var buf bytes.Buffer
	for _, field := range [][]byte{msg.GetFrom(), msg.GetData(), msg.GetSeqno(), []byte(msg.GetTopic())} {
		var lenBuf [8]byte
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(field)))
		buf.Write(lenBuf[:])
		buf.Write(field)
	}
	return buf.Bytes()
}

// verifySignature checks msg.Signature against either the embedded Key or,
// absent that, the public key extractable from the From peer ID.
func verifySignature(msg *pb.Message) bool {
	pub, err := resolvePublicKey(msg)
	if err != nil || pub == nil {
		return false
	}
	ok, err := pub.Verify(signingBytes(msg), msg.GetSignature())
	return err == nil && ok
}

func resolvePublicKey(msg *pb.Message) (crypto.PubKey, error) {
	if key := msg.GetKey(); len(key) > 0 {
		return crypto.UnmarshalPublicKey(key)
	}
	pid, err := peer.IDFromBytes(msg.GetFrom())
	if err != nil {
		return nil, err
	}
	return pid.ExtractPublicKey()
}
