package evm

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	KeySourceAuto     = "auto"
	KeySourceEnv      = "env"
	KeySourceFile     = "file"
	KeySourceKeystore = "keystore"
)

// Signer signs transactions for one wallet.
type Signer interface {
	Address() common.Address
	SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error)
}

// KeyConfig locates the private key of one wallet profile.
type KeyConfig struct {
	Source              string
	PrivateKeyEnv       string
	PrivateKeyFile      string
	KeystorePath        string
	KeystorePasswordEnv string
}

type LocalSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

func (s *LocalSigner) Address() common.Address {
	return s.address
}

func (s *LocalSigner) SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	if s == nil || s.privateKey == nil {
		return nil, errors.New("local signer is not initialized")
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.privateKey)
}

// NewLocalSigner loads a key according to cfg. With the auto source the
// first configured of env, file and keystore wins.
func NewLocalSigner(cfg KeyConfig) (*LocalSigner, error) {
	source := strings.ToLower(strings.TrimSpace(cfg.Source))
	if source == "" {
		source = KeySourceAuto
	}
	var (
		hexKey  string
		keyFile = strings.TrimSpace(cfg.PrivateKeyFile)
		ksPath  = strings.TrimSpace(cfg.KeystorePath)
	)
	if env := strings.TrimSpace(cfg.PrivateKeyEnv); env != "" {
		hexKey = strings.TrimSpace(os.Getenv(env))
	}

	switch source {
	case KeySourceAuto:
	case KeySourceEnv:
		keyFile, ksPath = "", ""
	case KeySourceFile:
		hexKey, ksPath = "", ""
	case KeySourceKeystore:
		hexKey, keyFile = "", ""
	default:
		return nil, fmt.Errorf("unsupported key source %q (expected %s|%s|%s|%s)", source, KeySourceAuto, KeySourceEnv, KeySourceFile, KeySourceKeystore)
	}

	pk, err := loadPrivateKey(hexKey, keyFile, ksPath, cfg)
	if err != nil {
		return nil, err
	}
	pub, ok := pk.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("invalid ECDSA public key")
	}
	return &LocalSigner{privateKey: pk, address: crypto.PubkeyToAddress(*pub)}, nil
}

func loadPrivateKey(hexKey, keyFile, keystorePath string, cfg KeyConfig) (*ecdsa.PrivateKey, error) {
	if hexKey != "" {
		return parseHexKey(hexKey)
	}
	if keyFile != "" {
		buf, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key file: %w", err)
		}
		return parseHexKey(string(buf))
	}
	if keystorePath != "" {
		var password string
		if cfg.KeystorePasswordEnv != "" {
			password = os.Getenv(cfg.KeystorePasswordEnv)
		}
		if strings.TrimSpace(password) == "" {
			return nil, fmt.Errorf("keystore password is required")
		}
		buf, err := os.ReadFile(keystorePath)
		if err != nil {
			return nil, fmt.Errorf("read keystore file: %w", err)
		}
		key, err := keystore.DecryptKey(buf, password)
		if err != nil {
			return nil, fmt.Errorf("decrypt keystore: %w", err)
		}
		return key.PrivateKey, nil
	}
	return nil, fmt.Errorf("missing signing key: set %s, private_key_file or keystore_path", envName(cfg.PrivateKeyEnv))
}

func parseHexKey(raw string) (*ecdsa.PrivateKey, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if clean == "" {
		return nil, fmt.Errorf("empty private key")
	}
	pk, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return pk, nil
}

func envName(v string) string {
	if v == "" {
		return "private_key_env"
	}
	return v
}
