package gossipsub

import "github.com/libp2p/go-libp2p/core/crypto"

// PrivKey and PubKey are the signing contract the router and the envelope
// package consume. They are aliased directly to go-libp2p's crypto key
// interfaces rather than re-declared locally: peer-identity cryptography
// (key generation, signature primitives) is out of scope for this module,
// and go-libp2p/core/crypto is exactly the ecosystem-standard contract for
// "a thing that can sign" (PubSub.signKey crypto.PrivKey). Key generation
// stays outside this module.
type PrivKey = crypto.PrivKey
type PubKey = crypto.PubKey
