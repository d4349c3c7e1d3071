package envelope

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

func genKey(t *testing.T) (crypto.PrivKey, peer.ID) {
	t.Helper()
	priv, pub, err := crypto.GenerateEd25519Key(nil)
	require.NoError(t, err)
	pid, err := peer.IDFromPublicKey(pub)
	require.NoError(t, err)
	return priv, pid
}

func TestSealOpenRoundTrip(t *testing.T) {
	priv, pid := genKey(t)
	rec := &PeerRecord{PeerID: pid, Seq: 1, Addrs: [][]byte{[]byte("/ip4/127.0.0.1/tcp/4001")}}

	env, err := Seal(rec, priv)
	require.NoError(t, err)

	pub, payload, err := Open(env, PeerRecordDomain)
	require.NoError(t, err)
	require.True(t, pub.Equals(priv.GetPublic()))

	got, err := UnmarshalPeerRecord(payload)
	require.NoError(t, err)
	require.Equal(t, pid, got.PeerID)
	require.Equal(t, rec.Addrs, got.Addrs)
}

func TestOpenWrongDomainFails(t *testing.T) {
	priv, pid := genKey(t)
	rec := &PeerRecord{PeerID: pid, Seq: 1}

	env, err := Seal(rec, priv)
	require.NoError(t, err)

	_, _, err = Open(env, "some-other-domain")
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestOpenAsPayloadTypeMismatch(t *testing.T) {
	priv, pid := genKey(t)
	rec := &PeerRecord{PeerID: pid, Seq: 1}

	env, err := Seal(rec, priv)
	require.NoError(t, err)

	_, _, err = OpenAs(env, PeerRecordDomain, []byte{0x99, 0x99})
	require.ErrorIs(t, err, ErrPayloadTypeMismatch)
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	priv, pid := genKey(t)
	rec := &PeerRecord{PeerID: pid, Seq: 42, Addrs: [][]byte{[]byte("/ip4/1.2.3.4/tcp/1"), []byte("/ip4/5.6.7.8/tcp/2")}}

	env, err := Seal(rec, priv)
	require.NoError(t, err)

	data, err := env.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, env.PayloadType, got.PayloadType)
	require.Equal(t, env.Payload, got.Payload)
	require.Equal(t, env.Signature, got.Signature)
	require.True(t, env.PublicKey.Equals(got.PublicKey))
}

func TestUnmarshalTruncatedIsInvalidFormat(t *testing.T) {
	priv, pid := genKey(t)
	env, err := Seal(&PeerRecord{PeerID: pid, Seq: 1}, priv)
	require.NoError(t, err)

	data, err := env.Marshal()
	require.NoError(t, err)

	_, err = Unmarshal(data[:len(data)-3])
	require.ErrorIs(t, err, ErrInvalidFormat)
}

func TestMarshalFieldTooLarge(t *testing.T) {
	priv, pid := genKey(t)
	env, err := Seal(&PeerRecord{PeerID: pid, Seq: 1}, priv)
	require.NoError(t, err)

	env.Payload = make([]byte, MaxPayloadLength+1)
	_, err = env.Marshal()
	var tooLarge *ErrFieldTooLarge
	require.ErrorAs(t, err, &tooLarge)
}

func TestPeerRecordTooManyAddresses(t *testing.T) {
	_, pid := genKey(t)
	rec := &PeerRecord{PeerID: pid, Seq: 1, Addrs: make([][]byte, maxPeerRecordAddrs+1)}
	for i := range rec.Addrs {
		rec.Addrs[i] = []byte("/ip4/0.0.0.0/tcp/0")
	}

	_, err := rec.Marshal()
	var tooMany *ErrTooManyAddresses
	require.ErrorAs(t, err, &tooMany)
}
