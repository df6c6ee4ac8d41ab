// Package permissioned settles redemptions on a Hyperledger Fabric channel
// through the bullion redemption chaincode.
package permissioned

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hyperledger/fabric-sdk-go/pkg/core/config"
	"github.com/hyperledger/fabric-sdk-go/pkg/gateway"
)

// Config holds the Fabric gateway settings.
type Config struct {
	ConnectionProfile string `yaml:"connection_profile"`
	WalletPath        string `yaml:"wallet_path"`
	Identity          string `yaml:"identity"`
	MSPID             string `yaml:"msp_id"`
	CertPath          string `yaml:"cert_path"`
	KeyPath           string `yaml:"key_path"`
	Channel           string `yaml:"channel"`
	Chaincode         string `yaml:"chaincode"`
	Decimals          int32  `yaml:"decimals"`
}

// Contract is the chaincode surface the venue calls. *gateway.Contract
// satisfies it.
type Contract interface {
	SubmitTransaction(name string, args ...string) ([]byte, error)
	EvaluateTransaction(name string, args ...string) ([]byte, error)
}

// Gateway holds an open Fabric gateway connection.
type Gateway struct {
	gw       *gateway.Gateway
	contract *gateway.Contract
}

// Connect opens the gateway, populating the wallet from the configured
// certificate and key on first use.
func Connect(cfg Config) (*Gateway, error) {
	if cfg.WalletPath == "" {
		cfg.WalletPath = "wallet"
	}
	if cfg.Identity == "" {
		cfg.Identity = "redemption-operator"
	}

	wallet, err := gateway.NewFileSystemWallet(cfg.WalletPath)
	if err != nil {
		return nil, fmt.Errorf("create wallet: %w", err)
	}
	if !wallet.Exists(cfg.Identity) {
		if err := populateWallet(wallet, cfg); err != nil {
			return nil, fmt.Errorf("populate wallet: %w", err)
		}
	}

	gw, err := gateway.Connect(
		gateway.WithConfig(config.FromFile(filepath.Clean(cfg.ConnectionProfile))),
		gateway.WithIdentity(wallet, cfg.Identity),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to gateway: %w", err)
	}

	network, err := gw.GetNetwork(cfg.Channel)
	if err != nil {
		gw.Close()
		return nil, fmt.Errorf("get network %s: %w", cfg.Channel, err)
	}

	return &Gateway{gw: gw, contract: network.GetContract(cfg.Chaincode)}, nil
}

// Contract returns the redemption chaincode.
func (g *Gateway) Contract() Contract { return g.contract }

func (g *Gateway) Close() {
	g.gw.Close()
}

func populateWallet(wallet *gateway.Wallet, cfg Config) error {
	cert, err := os.ReadFile(filepath.Clean(cfg.CertPath))
	if err != nil {
		return err
	}
	key, err := os.ReadFile(filepath.Clean(cfg.KeyPath))
	if err != nil {
		return err
	}
	return wallet.Put(cfg.Identity, gateway.NewX509Identity(cfg.MSPID, string(cert), string(key)))
}
