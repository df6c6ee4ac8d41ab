package adapter

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/marko911/bullion-redeem/internal/redemption"
)

// OwnerKeys is the signing material an owner uses on one venue.
type OwnerKeys struct {
	// Account is the venue address or identity the owner redeems from.
	Account string
	// Secret is the encoded private key: hex on EVM, base58 on Solana.
	// Permissioned venues sign with the gateway identity and leave it empty.
	Secret string
}

// KeyResolver finds an owner's keys for a venue.
type KeyResolver interface {
	Resolve(ctx context.Context, ownerID string, venue redemption.Venue) (OwnerKeys, error)
}

// ErrNoKeys is returned when an owner has no keys linked for a venue.
var ErrNoKeys = &redemption.ValidationError{Field: "venue", Reason: "no wallet linked for this venue"}

type keyEntry struct {
	Account string `yaml:"account"`
	Secret  string `yaml:"secret"`
}

// Keyring is a static KeyResolver loaded from YAML:
//
//	owner-1:
//	  evm: {account: "0xabc...", secret: "4c0883a6..."}
//	  solana: {account: "9xQe...", secret: "5Kb8..."}
type Keyring struct {
	mu   sync.RWMutex
	keys map[string]map[redemption.Venue]keyEntry
}

// NewKeyring returns an empty Keyring.
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string]map[redemption.Venue]keyEntry)}
}

// LoadKeyring reads a keyring file.
func LoadKeyring(path string) (*Keyring, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keyring: %w", err)
	}
	return ParseKeyring(data)
}

// ParseKeyring parses keyring YAML.
func ParseKeyring(data []byte) (*Keyring, error) {
	var raw map[string]map[string]keyEntry
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse keyring: %w", err)
	}

	kr := NewKeyring()
	for owner, venues := range raw {
		for name, entry := range venues {
			venue, err := redemption.ParseVenue(name)
			if err != nil {
				return nil, fmt.Errorf("keyring owner %s: %w", owner, err)
			}
			kr.Set(owner, venue, OwnerKeys{Account: entry.Account, Secret: entry.Secret})
		}
	}
	return kr, nil
}

// Set links keys for an owner on a venue.
func (k *Keyring) Set(ownerID string, venue redemption.Venue, keys OwnerKeys) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.keys[ownerID] == nil {
		k.keys[ownerID] = make(map[redemption.Venue]keyEntry)
	}
	k.keys[ownerID][venue] = keyEntry{Account: keys.Account, Secret: keys.Secret}
}

func (k *Keyring) Resolve(ctx context.Context, ownerID string, venue redemption.Venue) (OwnerKeys, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	entry, ok := k.keys[ownerID][venue]
	if !ok {
		return OwnerKeys{}, ErrNoKeys
	}
	return OwnerKeys{Account: entry.Account, Secret: entry.Secret}, nil
}
