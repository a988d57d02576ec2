package main

import (
	"encoding/hex"
	"fmt"

	"github.com/tari-project/dan-consensus-core/internal/config"
	"github.com/tari-project/dan-consensus-core/internal/crypto"
	"github.com/tari-project/dan-consensus-core/internal/types"
)

// Identity is the operator-facing view of a replica's cryptographic
// identity: the raw hex node id consensus messages are keyed by, the
// human-readable address derived from the same key, and, when this
// replica's shard group has at least one validator configured, the
// committee's combined multi-sig address.
type Identity struct {
	NodeID           types.NodeID
	Address          string
	CommitteeAddress string
}

// resolveIdentity loads (or creates) the signing key at cfg.SigningKeyPath
// and derives the display identity for it (spec.md §3's node_id, rendered
// the way any P256 identity on the network can be: a short checksummed
// address rather than a 65-byte hex blob).
func resolveIdentity(cfg *config.Config) (Identity, error) {
	key, err := loadOrCreateSigningKey(cfg.SigningKeyPath)
	if err != nil {
		return Identity{}, fmt.Errorf("shardd: signing key: %w", err)
	}
	pubBytes, err := crypto.SerializePublicKeyToBytes(&key.PublicKey)
	if err != nil {
		return Identity{}, fmt.Errorf("shardd: serialize public key: %w", err)
	}
	hash, err := crypto.HashPublicKey(pubBytes)
	if err != nil {
		return Identity{}, fmt.Errorf("shardd: hash public key: %w", err)
	}
	address, err := crypto.EncodeAddress(hash)
	if err != nil {
		return Identity{}, fmt.Errorf("shardd: encode address: %w", err)
	}

	id := Identity{
		NodeID:  types.NodeID(hex.EncodeToString(pubBytes)),
		Address: address,
	}

	if committeeAddr, err := committeeMultiSigAddress(cfg); err == nil {
		id.CommitteeAddress = committeeAddr
	}
	return id, nil
}

// committeeMultiSigAddress derives a deterministic identifier for the
// whole committee this replica's shard group names in cfg, from its
// members' configured public keys, using the same quorum threshold the
// committee itself votes by (types.CommitteeInfo.QuorumThreshold). Returns
// an error if the shard group has no validators with a parseable public
// key configured yet, which is expected before a devnet's config is fully
// populated.
func committeeMultiSigAddress(cfg *config.Config) (string, error) {
	var keys [][]byte
	for _, val := range cfg.Validators {
		if types.ShardGroup(val.ShardGroup) != types.ShardGroup(cfg.ShardGroup) {
			continue
		}
		pk, err := hex.DecodeString(val.PublicKeyHex)
		if err != nil || len(pk) == 0 {
			continue
		}
		keys = append(keys, pk)
	}
	if len(keys) == 0 {
		return "", fmt.Errorf("shardd: no validators with a public key configured for shard group %d", cfg.ShardGroup)
	}

	committee := types.CommitteeInfo{CommitteeSize: uint32(len(keys))}
	multiSig, err := crypto.DeriveMultiSigAddress(uint32(committee.QuorumThreshold()), keys)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(multiSig), nil
}

// printIdentity loads configPath and writes the resolved identity to
// stdout, one field per line, for "shardd identity" to shell out.
func printIdentity(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("shardd: load config: %w", err)
	}
	id, err := resolveIdentity(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("node_id: %s\naddress: %s\n", id.NodeID, id.Address)
	if id.CommitteeAddress != "" {
		fmt.Printf("committee_address: %s\n", id.CommitteeAddress)
	}
	return nil
}
