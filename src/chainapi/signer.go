package chainapi

import (
	"bytes"

	"github.com/centrifuge/go-substrate-rpc-client/v4/signature"
	"github.com/decred/base58"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"github.com/substrate-tools/payoutd/src/model"
)

type keyringSigner struct {
	pair signature.KeyringPair
}

func (k *keyringSigner) Address() string   { return k.pair.Address }
func (k *keyringSigner) PublicKey() []byte { return k.pair.PublicKey }

// NewSignerFromSecret builds a signer from a mnemonic, raw seed, hex seed or
// derivation URI. network is the SS58 prefix used to render the address.
func NewSignerFromSecret(secret string, network uint16) (Signer, error) {
	pair, err := signature.KeyringPairFromSecret(secret, network)
	if err != nil {
		return nil, errors.Wrap(err, "failed deriving keypair from secret")
	}
	return &keyringSigner{pair: pair}, nil
}

// ss58Prefix salts the address checksum, fixed by the SS58 spec.
var ss58Prefix = []byte("SS58PRE")

// DecodeSS58 extracts the 32-byte public key from an SS58 address, verifying
// its checksum. Returns the network prefix alongside the key.
func DecodeSS58(addr model.StashAddr) (uint16, []byte, error) {
	raw := base58.Decode(string(addr))
	if len(raw) < 35 {
		return 0, nil, errors.Errorf("address %q is not a valid SS58 string", addr)
	}
	var network uint16
	var offset int
	switch {
	case raw[0] < 64:
		network, offset = uint16(raw[0]), 1
	case raw[0] < 128:
		// two-byte prefix, lower 6 bits of the first byte are the upper bits
		lower := ((raw[0] & 0b0011_1111) << 2) | (raw[1] >> 6)
		upper := raw[1] & 0b0011_1111
		network, offset = uint16(lower)|(uint16(upper)<<8), 2
	default:
		return 0, nil, errors.Errorf("address %q has a reserved SS58 prefix", addr)
	}
	body := raw[:len(raw)-2]
	pubkey := raw[offset : len(raw)-2]
	if len(pubkey) != 32 {
		return 0, nil, errors.Errorf("address %q does not carry a 32 byte account id", addr)
	}
	hasher, err := blake2b.New512(nil)
	if err != nil {
		return 0, nil, err
	}
	hasher.Write(ss58Prefix)
	hasher.Write(body)
	if !bytes.Equal(hasher.Sum(nil)[:2], raw[len(raw)-2:]) {
		return 0, nil, errors.Errorf("address %q failed its checksum", addr)
	}
	return network, pubkey, nil
}

// ValidateStashes decodes every address up front so malformed operator input
// fails before any chain interaction.
func ValidateStashes(stashes []model.StashAddr) error {
	for _, s := range stashes {
		if _, _, err := DecodeSS58(s); err != nil {
			return err
		}
	}
	return nil
}
