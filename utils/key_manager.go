package utils

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sync"

	"ouro/logs"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"golang.org/x/crypto/ripemd160"
)

// AddressHRP ouro 地址的 bech32 前缀
const AddressHRP = "ouro"

// KeyManager 保存单个节点的私钥和地址
type KeyManager struct {
	seed       []byte // 32字节 ed25519 种子
	privateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	address    string // 由公钥推导出的地址
}

// 单例相关
var (
	keyManagerInstance *KeyManager
	keyManagerOnce     sync.Once
)

// GetKeyManager 获取全局唯一的 KeyManager 实例
func GetKeyManager() *KeyManager {
	keyManagerOnce.Do(func() {
		keyManagerInstance = &KeyManager{}
	})
	return keyManagerInstance
}

// NewKeyManager 多节点仿真/测试时为每个节点单独建实例
func NewKeyManager(seedHex string) (*KeyManager, error) {
	km := &KeyManager{}
	if err := km.InitKey(seedHex); err != nil {
		return nil, err
	}
	return km, nil
}

// InitKey 解析32字节hex种子，派生 ed25519 密钥对并推导地址
func (km *KeyManager) InitKey(seedHex string) error {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return fmt.Errorf("invalid seed hex: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return fmt.Errorf("invalid seed length: %d (expected %d)", len(seed), ed25519.SeedSize)
	}

	km.seed = seed
	km.privateKey = ed25519.NewKeyFromSeed(seed)
	km.PublicKey = km.privateKey.Public().(ed25519.PublicKey)

	addr, err := DeriveAddress(km.PublicKey)
	if err != nil {
		return err
	}
	km.address = addr

	logs.Debug("[KeyManager] InitKey success. Address=%s", km.address)
	return nil
}

// DeriveAddress 公钥 → sha256 → ripemd160 → bech32("ouro", ...)
func DeriveAddress(pub ed25519.PublicKey) (string, error) {
	shaHash := Sha256Hash(pub)

	ripemdHasher := ripemd160.New()
	if _, err := ripemdHasher.Write(shaHash); err != nil {
		return "", err
	}
	ripemdHash := ripemdHasher.Sum(nil)

	converted, err := bech32.ConvertBits(ripemdHash, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(AddressHRP, converted)
}

// Address 节点地址
func (km *KeyManager) Address() string { return km.address }

// Seed BLS 派生用的原始种子
func (km *KeyManager) Seed() []byte { return km.seed }

// Sign ed25519 签名
func (km *KeyManager) Sign(payload []byte) []byte {
	return ed25519.Sign(km.privateKey, payload)
}

// BLSSign 共识投票用的 BLS 签名
func (km *KeyManager) BLSSign(payload []byte) ([]byte, error) {
	return BLSSignWithCache(km.seed, payload)
}

// BLSPubKeyBytes 验证人登记用的 BLS 公钥字节
func (km *KeyManager) BLSPubKeyBytes() ([]byte, error) {
	return BLSPubKeyBytes(km.seed)
}

// VerifyEd25519 验证签名；公钥非法时直接返回false
func VerifyEd25519(pub []byte, payload, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), payload, sig)
}
