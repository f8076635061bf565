package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"ouro/logs"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/sign/bls"
)

const maxCacheSize = 100

// 定义全局缓存：
// blsSignCache 存储签名数据，cacheKeys 记录键的插入顺序，用于实现简单的 FIFO 驱逐策略。
var (
	blsSignCache = make(map[string][]byte)
	cacheKeys    = make([]string, 0, maxCacheSize)
	cacheMutex   sync.Mutex
)

var blsSuite = bn256.NewSuite()

// GetBLSPrivateKey 从 ed25519 种子派生 BLS 私钥。
// 投票/锚定走 BLS 聚合签名，普通交易仍是 ed25519，两套密钥同源。
func GetBLSPrivateKey(seed []byte) kyber.Scalar {
	hash := sha256.Sum256(seed)
	return blsSuite.G2().Scalar().SetBytes(hash[:])
}

// GetBLSPublicKey 获取与BLS私钥对应的BLS公钥
func GetBLSPublicKey(seed []byte) kyber.Point {
	priv := GetBLSPrivateKey(seed)
	return blsSuite.G2().Point().Mul(priv, nil)
}

// BLSPubKeyBytes 公钥序列化（验证人集合登记用）
func BLSPubKeyBytes(seed []byte) ([]byte, error) {
	return GetBLSPublicKey(seed).MarshalBinary()
}

// UnmarshalBLSPubKey 反序列化 BLS 公钥
func UnmarshalBLSPubKey(b []byte) (kyber.Point, error) {
	p := blsSuite.G2().Point()
	if err := p.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return p, nil
}

// BLSSignWithCache 对给定消息进行 BLS 签名，并缓存结果。
// 同一种子对同一消息已经签过时直接命中缓存，避免重复配对运算。
func BLSSignWithCache(seed []byte, msg []byte) ([]byte, error) {
	keyID := hex.EncodeToString(Sha256Hash(seed))
	cacheKey := keyID + "_" + hex.EncodeToString(Sha256Hash(msg))

	cacheMutex.Lock()
	if sig, exists := blsSignCache[cacheKey]; exists {
		cacheMutex.Unlock()
		return sig, nil
	}
	cacheMutex.Unlock()

	privScalar := GetBLSPrivateKey(seed)
	signature, err := bls.Sign(blsSuite, privScalar, msg)
	if err != nil {
		return nil, err
	}

	cacheMutex.Lock()
	// 如果缓存已满，则删除最早的缓存项（FIFO 驱逐）
	if len(blsSignCache) >= maxCacheSize {
		oldestKey := cacheKeys[0]
		cacheKeys = cacheKeys[1:]
		delete(blsSignCache, oldestKey)
	}
	blsSignCache[cacheKey] = signature
	cacheKeys = append(cacheKeys, cacheKey)
	cacheMutex.Unlock()

	return signature, nil
}

// BLSVerifySignature 验证单签名
func BLSVerifySignature(pub kyber.Point, msg []byte, signature []byte) error {
	return bls.Verify(blsSuite, pub, msg, signature)
}

// AggregateBLS 聚合多个签名
func AggregateBLS(sigs [][]byte) ([]byte, error) {
	aggSig, err := bls.AggregateSignatures(blsSuite, sigs...)
	if err != nil {
		logs.Error("failed to aggregate signatures: %v", err)
	}
	return aggSig, err
}

// VerifyAggregateBLS 验证同一消息上的聚合签名：
// 把签名人公钥聚合成一个点，再按普通BLS验证。
func VerifyAggregateBLS(pubs []kyber.Point, msg []byte, aggSig []byte) error {
	aggPub := bls.AggregatePublicKeys(blsSuite, pubs...)
	return bls.Verify(blsSuite, aggPub, msg, aggSig)
}
