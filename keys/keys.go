// keys/keys.go
// 统一的 Key 定义包，供 ledger 与 db 模块共同使用
package keys

import (
	"fmt"
	"strings"
)

// ===================== 版本控制 =====================
// 设置全局 Key 版本前缀（例如 "v1" → 产出 "v1_<key>"）。
const KeyVersion = "v1"

// withVer 把版本号拼到最前面（保持下划线风格：v1_<...>）
func withVer(s string) string {
	if KeyVersion == "" {
		return s
	}
	return KeyVersion + "_" + s
}

// StripVersion 读取回退辅助：把带版本的键去掉版本前缀，便于双读回退。
func StripVersion(prefixed string) string {
	if KeyVersion == "" {
		return prefixed
	}
	return strings.TrimPrefix(prefixed, KeyVersion+"_")
}

// ===================== 区块相关 =====================

// KeyBlockData 区块数据
// 例：v1_blockdata_<blockHash>
func KeyBlockData(blockHash string) string {
	return withVer(fmt.Sprintf("blockdata_%s", blockHash))
}

// KeyHeightBlock 高度到已提交区块哈希的映射
// 例：v1_height_0000000000000042
func KeyHeightBlock(height uint64) string {
	return withVer(fmt.Sprintf("height_%016d", height))
}

// KeyBlockIDToHeight 区块哈希到高度的映射
func KeyBlockIDToHeight(blockHash string) string {
	return withVer(fmt.Sprintf("blockid_%s", blockHash))
}

// KeyLatestHeight 最新已提交高度
func KeyLatestHeight() string {
	return withVer("latest_height")
}

// KeyCommittedHeights 已提交高度 roaring bitmap
func KeyCommittedHeights() string {
	return withVer("committed_heights")
}

// KeyExecReceipt 区块执行回执（含跳过交易的异常清单）
func KeyExecReceipt(blockHash string) string {
	return withVer(fmt.Sprintf("receipt_%s", blockHash))
}

// KeyStateRoot 某高度执行后的状态根
func KeyStateRoot(height uint64) string {
	return withVer(fmt.Sprintf("stateroot_%016d", height))
}

// ===================== 账户相关 =====================

// KeyAccount 账户数据
// 例：v1_account_<address>
func KeyAccount(address string) string {
	return withVer(fmt.Sprintf("account_%s", address))
}

// ===================== 交易相关 =====================

// KeyTx 交易主存储
func KeyTx(txID string) string {
	return withVer(fmt.Sprintf("tx_%s", txID))
}

// KeyAppliedTx 交易已上链标记（值为所在区块哈希）
func KeyAppliedTx(txID string) string {
	return withVer(fmt.Sprintf("applied_%s", txID))
}

// ===================== 锚定相关 =====================

// KeyAnchor 锚定承诺按序号的追加日志
// 例：v1_anchor_0000000000000007
func KeyAnchor(seq uint64) string {
	return withVer(fmt.Sprintf("anchor_%016d", seq))
}

// KeyAnchorHead 最新锚定序号
func KeyAnchorHead() string {
	return withVer("anchor_head")
}

// PrefixAnchor 锚定日志扫描前缀
func PrefixAnchor() string {
	return withVer("anchor_")
}

// ===================== 共识持久化 =====================

// KeyLockedQC 本节点当前锁定的QC（重启后必须恢复，安全性要求）
func KeyLockedQC() string {
	return withVer("consensus_locked_qc")
}

// KeyLastVotedView 本节点最近投过票的视图号
func KeyLastVotedView() string {
	return withVer("consensus_last_voted_view")
}

// KeySlashingEvidence 双投/冲突QC证据
func KeySlashingEvidence(voter string, view uint64) string {
	return withVer(fmt.Sprintf("slash_%s_%016d", voter, view))
}

// ===================== 节点信息 =====================

// KeyNodeInfo 对等节点信息
func KeyNodeInfo(pubKey string) string {
	return withVer(fmt.Sprintf("node_%s", pubKey))
}

// PrefixNodeInfo 节点信息扫描前缀
func PrefixNodeInfo() string {
	return withVer("node_")
}

// ===================== 影子仲裁 =====================

// KeyShadowCert 影子证书存储
func KeyShadowCert(certID string) string {
	return withVer(fmt.Sprintf("shadowcert_%s", certID))
}
