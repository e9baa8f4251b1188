package account

import (
	"sort"

	"OpenMEE-Chain/internal/web3"
)

// ChainsFromDefinitions 为每个链定义选择智能账户版本，未指定或与 fallback
// 同名时使用 fallback，否则按名称查找预置版本。结果按链 ID 排序。
func ChainsFromDefinitions(defs web3.ChainDefinitions, fallback Version) ([]ChainConfig, error) {
	chains := make([]ChainConfig, 0, len(defs.Chains))
	for _, def := range defs.Chains {
		version := fallback
		if def.AccountVersion != "" && def.AccountVersion != fallback.Name {
			v, err := LookupVersion(def.AccountVersion)
			if err != nil {
				return nil, err
			}
			version = v
		}
		chains = append(chains, ChainConfig{ChainID: def.ChainID, Version: version})
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i].ChainID < chains[j].ChainID })
	return chains, nil
}
