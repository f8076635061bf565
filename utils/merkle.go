package utils

const TxPerMerkleTree = 1000

// BuildBlockRoot 根据所有交易构建区块的交易根(多棵1000笔交易的Merkle树)
func BuildBlockRoot(allTxs [][]byte) []byte {
	if len(allTxs) == 0 {
		// 没有交易时可定义一个默认值
		return Sha256Hash([]byte("empty_block"))
	}

	// 分片
	chunks := chunkLeaves(allTxs, TxPerMerkleTree)

	// 对每个chunk构建默克尔树获得merkle root
	var merkleRoots [][]byte
	for _, c := range chunks {
		root := BuildMerkleRoot(c)
		merkleRoots = append(merkleRoots, root)
	}

	// 如果只有一个root，就直接返回
	if len(merkleRoots) == 1 {
		return merkleRoots[0]
	}

	// 否则对这些root再次构建默克尔树，直到只剩一个root
	return BuildMerkleRoot(merkleRoots)
}

// BuildMerkleRoot 对一组 leaf 构建默克尔根
func BuildMerkleRoot(leaves [][]byte) []byte {
	if len(leaves) == 0 {
		return Sha256Hash(nil)
	}
	if len(leaves) == 1 {
		// 对单leaf进行hash
		return Sha256Hash(leaves[0])
	}
	level := hashLeaves(leaves)
	for len(level) > 1 {
		level = buildMerkleLevel(level)
	}
	return level[0]
}

func chunkLeaves(all [][]byte, chunkSize int) [][][]byte {
	var chunks [][][]byte
	total := len(all)
	for start := 0; start < total; start += chunkSize {
		end := start + chunkSize
		if end > total {
			end = total
		}
		chunk := all[start:end]
		chunks = append(chunks, chunk)
	}
	return chunks
}

func hashLeaves(data [][]byte) [][]byte {
	hashed := make([][]byte, len(data))
	for i, d := range data {
		hashed[i] = Sha256Hash(d)
	}
	return hashed
}

func buildMerkleLevel(nodes [][]byte) [][]byte {
	// 如果节点数是奇数，重复最后一个节点
	if len(nodes)%2 != 0 {
		nodes = append(nodes, nodes[len(nodes)-1])
	}
	nextLevel := make([][]byte, 0, len(nodes)/2)
	for i := 0; i < len(nodes); i += 2 {
		// 拼接左右节点后用 sha256
		combined := make([]byte, 0, len(nodes[i])+len(nodes[i+1]))
		combined = append(combined, nodes[i]...)
		combined = append(combined, nodes[i+1]...)
		nextLevel = append(nextLevel, Sha256Hash(combined))
	}
	return nextLevel
}
