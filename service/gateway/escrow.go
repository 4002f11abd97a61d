package gateway

import (
	"bytes"
	"fmt"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// EscrowDiscriminator tags escrow accounts in the first eight bytes of their data.
var EscrowDiscriminator = [8]byte{'o', 'r', 'e', 'e', 's', 'c', 'r', 'w'}

// escrowDataLen is discriminator + authority + total deposited + last funded at.
const escrowDataLen = 8 + 32 + 8 + 8

// decodeEscrow parses escrow account data:
//
//	[0:8]   discriminator
//	[8:40]  authority pubkey
//	[40:48] total deposited (u64 LE)
//	[48:56] last funded at, unix seconds (i64 LE)
func decodeEscrow(address solana.PublicKey, lamports uint64, data []byte) (EscrowAccount, error) {
	if len(data) < escrowDataLen {
		return EscrowAccount{}, fmt.Errorf("escrow data too short: %d bytes", len(data))
	}

	dec := bin.NewBinDecoder(data)

	disc, err := dec.ReadNBytes(8)
	if err != nil {
		return EscrowAccount{}, fmt.Errorf("failed to read discriminator: %w", err)
	}
	if [8]byte(disc) != EscrowDiscriminator {
		return EscrowAccount{}, fmt.Errorf("unexpected discriminator %x", disc)
	}

	authority, err := dec.ReadNBytes(32)
	if err != nil {
		return EscrowAccount{}, fmt.Errorf("failed to read authority: %w", err)
	}

	deposited, err := dec.ReadUint64(bin.LE)
	if err != nil {
		return EscrowAccount{}, fmt.Errorf("failed to read total deposited: %w", err)
	}

	fundedAt, err := dec.ReadInt64(bin.LE)
	if err != nil {
		return EscrowAccount{}, fmt.Errorf("failed to read last funded at: %w", err)
	}

	return EscrowAccount{
		Address:        address.String(),
		Authority:      solana.PublicKeyFromBytes(authority).String(),
		Lamports:       lamports,
		TotalDeposited: deposited,
		LastFundedAt:   time.Unix(fundedAt, 0).UTC(),
	}, nil
}

// EncodeEscrow is the inverse of decodeEscrow. Tests and local fixtures use it
// to fabricate account data.
func EncodeEscrow(authority solana.PublicKey, deposited uint64, fundedAt time.Time) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	if err := enc.WriteBytes(EscrowDiscriminator[:], false); err != nil {
		return nil, err
	}
	if err := enc.WriteBytes(authority.Bytes(), false); err != nil {
		return nil, err
	}
	if err := enc.WriteUint64(deposited, bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteInt64(fundedAt.Unix(), bin.LE); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
