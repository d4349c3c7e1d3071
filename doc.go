// Package gossipsub implements the core of a libp2p GossipSub v1.0/1.1/1.2
// router: a pub/sub overlay that maintains a randomized mesh of peers per
// topic, floods mesh-delivered messages, and gossips metadata (IHAVE/IWANT)
// to non-mesh peers to repair loss.
//
// The transport/stream layer, protocol negotiation, wire codec, clock, and
// peer-identity cryptography are treated as external collaborators and
// consumed only through the Clock, Transport, and crypto.PrivKey/PubKey
// interfaces defined in this package.
package gossipsub
