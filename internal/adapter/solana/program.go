package solana

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Account layouts and instruction encodings of the redemption program
// (Anchor conventions: 8-byte discriminators, Borsh bodies).

var (
	configSeed     = []byte("config")
	redemptionSeed = []byte("redemption")

	configDiscriminator     = accountDiscriminator("RedemptionConfig")
	redemptionDiscriminator = accountDiscriminator("Redemption")

	requestIx = instructionDiscriminator("request_redemption")
	cancelIx  = instructionDiscriminator("cancel_redemption")
)

// Redemption status codes stored by the program.
const (
	statusRequested uint8 = 1
	statusCancelled uint8 = 2
)

type programConfig struct {
	Discriminator [8]byte
	Authority     solana.PublicKey
	Counter       uint64
	Decimals      uint8
	Paused        bool
}

type redemptionAccount struct {
	Discriminator [8]byte
	Owner         solana.PublicKey
	Asset         uint8
	Amount        uint64
	Status        uint8
}

type requestArgs struct {
	Asset  uint8
	Amount uint64
}

type cancelArgs struct {
	RequestID uint64
}

func accountDiscriminator(name string) [8]byte {
	var d [8]byte
	sum := sha256.Sum256([]byte("account:" + name))
	copy(d[:], sum[:8])
	return d
}

func instructionDiscriminator(name string) [8]byte {
	var d [8]byte
	sum := sha256.Sum256([]byte("global:" + name))
	copy(d[:], sum[:8])
	return d
}

func decodeConfig(data []byte) (programConfig, error) {
	var cfg programConfig
	if err := bin.NewBorshDecoder(data).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config account: %w", err)
	}
	if cfg.Discriminator != configDiscriminator {
		return cfg, fmt.Errorf("config account has unexpected discriminator")
	}
	return cfg, nil
}

func decodeRedemption(data []byte) (redemptionAccount, error) {
	var acc redemptionAccount
	if err := bin.NewBorshDecoder(data).Decode(&acc); err != nil {
		return acc, fmt.Errorf("decode redemption account: %w", err)
	}
	if acc.Discriminator != redemptionDiscriminator {
		return acc, fmt.Errorf("redemption account has unexpected discriminator")
	}
	return acc, nil
}

func encodeInstruction(disc [8]byte, args interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(disc[:])
	if err := bin.NewBorshEncoder(&buf).Encode(args); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func configAddress(program solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{configSeed}, program)
	return addr, err
}

func redemptionAddress(program solana.PublicKey, id uint64) (solana.PublicKey, error) {
	var le [8]byte
	binary.LittleEndian.PutUint64(le[:], id)
	addr, _, err := solana.FindProgramAddress([][]byte{redemptionSeed, le[:]}, program)
	return addr, err
}
