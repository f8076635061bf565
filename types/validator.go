package types

import "sort"

// Validator 验证人条目
type Validator struct {
	Address   string `json:"address"`
	PubKey    []byte `json:"pub_key"`     // ed25519
	BLSPubKey []byte `json:"bls_pub_key"` // bn256 G2，聚合签名用
	Stake     uint64 `json:"stake"`
}

// ValidatorSet 带权重的有序验证人集合。
// 共识中每个视图使用一份不可变快照，治理更新从下一个 epoch 生效，
// 避免同一视图内出现两种成员认知。
type ValidatorSet struct {
	Epoch      uint64      `json:"epoch"`
	Validators []Validator `json:"validators"` // 按地址升序
}

// NewValidatorSet 构造并按地址排序
func NewValidatorSet(epoch uint64, vals []Validator) *ValidatorSet {
	sorted := make([]Validator, len(vals))
	copy(sorted, vals)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Address < sorted[j].Address })
	return &ValidatorSet{Epoch: epoch, Validators: sorted}
}

// Size 验证人数量 n
func (vs *ValidatorSet) Size() int { return len(vs.Validators) }

// MaxFaulty n ≥ 3f+1 下可容忍的最大拜占庭数 f
func (vs *ValidatorSet) MaxFaulty() int {
	if len(vs.Validators) == 0 {
		return 0
	}
	return (len(vs.Validators) - 1) / 3
}

// QuorumSize 法定人数 2f+1。低于该签名人数的消息一律忽略。
func (vs *ValidatorSet) QuorumSize() int {
	return 2*vs.MaxFaulty() + 1
}

// TotalStake 全体质押量
func (vs *ValidatorSet) TotalStake() uint64 {
	var total uint64
	for _, v := range vs.Validators {
		total += v.Stake
	}
	return total
}

// LeaderForView 按质押权重轮转的确定性 leader 选择：
// view 落在谁的累计质押区间，谁就是该视图的 leader。
// 任何诚实节点不需要通信即可得到相同结果。
func (vs *ValidatorSet) LeaderForView(view uint64) string {
	if len(vs.Validators) == 0 {
		return ""
	}
	total := vs.TotalStake()
	if total == 0 {
		// 无权重时退化为普通轮转
		return vs.Validators[view%uint64(len(vs.Validators))].Address
	}
	slot := view % total
	var acc uint64
	for _, v := range vs.Validators {
		acc += v.Stake
		if slot < acc {
			return v.Address
		}
	}
	return vs.Validators[len(vs.Validators)-1].Address
}

// Contains 地址是否在集合内
func (vs *ValidatorSet) Contains(address string) bool {
	for _, v := range vs.Validators {
		if v.Address == address {
			return true
		}
	}
	return false
}

// GetByAddress 按地址取验证人
func (vs *ValidatorSet) GetByAddress(address string) (Validator, bool) {
	for _, v := range vs.Validators {
		if v.Address == address {
			return v, true
		}
	}
	return Validator{}, false
}

// StakeOf 某地址集合的质押权重之和（影子仲裁冲突裁决用）
func (vs *ValidatorSet) StakeOf(addresses []string) uint64 {
	var total uint64
	seen := make(map[string]bool, len(addresses))
	for _, addr := range addresses {
		if seen[addr] {
			continue
		}
		seen[addr] = true
		if v, ok := vs.GetByAddress(addr); ok {
			total += v.Stake
		}
	}
	return total
}

// Snapshot 深拷贝一份快照，调用方在视图生命周期内独占使用
func (vs *ValidatorSet) Snapshot() *ValidatorSet {
	cp := make([]Validator, len(vs.Validators))
	copy(cp, vs.Validators)
	return &ValidatorSet{Epoch: vs.Epoch, Validators: cp}
}
