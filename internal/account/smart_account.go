package account

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "OpenMEE-Chain/internal/errors"
)

// Version pins the factory and proxy init code used to deploy a smart account.
// The counterfactual address only depends on these values, the signer and
// the chain id, so it never has to be stored.
type Version struct {
	Name         string
	Factory      common.Address
	InitCodeHash common.Hash
}

// Version presets used by the local MEE node and the simulator. Their
// InitCodeHash values are derived labels, not the init code hash of a real
// Nexus proxy, so addresses computed from them only match deployments that
// were set up with the same labels. For a live network set account.factory
// and account.init_code_hash in config (see ResolveVersion).
var (
	V2_0_0 = Version{
		Name:         "2.0.0",
		Factory:      common.HexToAddress("0x000000c3A93d2c5E02Cb053AC675665b1c4217F9"),
		InitCodeHash: crypto.Keccak256Hash([]byte("nexus-proxy-2.0.0")),
	}
	V2_1_0 = Version{
		Name:         "2.1.0",
		Factory:      common.HexToAddress("0x0000006648ED9B2B842552BE63Af870bC74af837"),
		InitCodeHash: crypto.Keccak256Hash([]byte("nexus-proxy-2.1.0")),
	}
)

var knownVersions = map[string]Version{
	V2_0_0.Name: V2_0_0,
	V2_1_0.Name: V2_1_0,
}

// LookupVersion resolves a preset by name.
func LookupVersion(name string) (Version, error) {
	v, ok := knownVersions[name]
	if !ok {
		names := make([]string, 0, len(knownVersions))
		for n := range knownVersions {
			names = append(names, n)
		}
		sort.Strings(names)
		return Version{}, xerrors.Newf(xerrors.CodeConfiguration, "未知的智能账户版本 %q，可选: %v", name, names)
	}
	return v, nil
}

// ResolveVersion returns the preset called name, or a custom version when
// factory and initCodeHash are given. Both must be set together.
func ResolveVersion(name, factory, initCodeHash string) (Version, error) {
	if factory == "" && initCodeHash == "" {
		return LookupVersion(name)
	}
	if !common.IsHexAddress(factory) {
		return Version{}, xerrors.Newf(xerrors.CodeConfiguration, "account.factory 不是有效地址: %q", factory)
	}
	raw := common.FromHex(initCodeHash)
	if len(raw) != common.HashLength {
		return Version{}, xerrors.Newf(xerrors.CodeConfiguration, "account.init_code_hash 必须为 32 字节: %q", initCodeHash)
	}
	v := Version{Name: name, Factory: common.HexToAddress(factory), InitCodeHash: common.BytesToHash(raw)}
	if err := v.validate(); err != nil {
		return Version{}, err
	}
	return v, nil
}

func (v Version) validate() error {
	if v.Name == "" || v.Factory == (common.Address{}) || v.InitCodeHash == (common.Hash{}) {
		return xerrors.New(xerrors.CodeConfiguration, "智能账户版本配置不完整")
	}
	return nil
}

// SmartAccountAddress derives the CREATE2 address of the smart account owned
// by signer on chainID.
func SmartAccountAddress(signer common.Address, chainID uint64, v Version) (common.Address, error) {
	if chainID == 0 {
		return common.Address{}, xerrors.New(xerrors.CodeConfiguration, "缺少链 ID")
	}
	if signer == (common.Address{}) {
		return common.Address{}, xerrors.New(xerrors.CodeConfiguration, "签名者地址不能为空")
	}
	if err := v.validate(); err != nil {
		return common.Address{}, err
	}
	salt := crypto.Keccak256Hash(
		signer.Bytes(),
		math.U256Bytes(new(big.Int).SetUint64(chainID)),
		[]byte(v.Name),
	)
	return crypto.CreateAddress2(v.Factory, salt, v.InitCodeHash.Bytes()), nil
}

// ChainConfig binds one target chain to the account version deployed there.
type ChainConfig struct {
	ChainID uint64
	Version Version
}

// Multichain is an EOA signer plus its smart accounts on every configured chain.
type Multichain struct {
	signer    Signer
	addresses map[uint64]common.Address
	versions  map[uint64]Version
}

// NewMultichain derives smart account addresses for all chains up front.
func NewMultichain(signer Signer, chains ...ChainConfig) (*Multichain, error) {
	if signer == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置签名者")
	}
	if len(chains) == 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, "至少需要配置一条链")
	}
	m := &Multichain{
		signer:    signer,
		addresses: make(map[uint64]common.Address, len(chains)),
		versions:  make(map[uint64]Version, len(chains)),
	}
	for _, c := range chains {
		addr, err := SmartAccountAddress(signer.Address(), c.ChainID, c.Version)
		if err != nil {
			return nil, err
		}
		if _, dup := m.addresses[c.ChainID]; dup {
			return nil, xerrors.Newf(xerrors.CodeConfiguration, "链 %d 重复配置", c.ChainID)
		}
		m.addresses[c.ChainID] = addr
		m.versions[c.ChainID] = c.Version
	}
	return m, nil
}

// Signer returns the owning EOA signer.
func (m *Multichain) Signer() Signer {
	return m.signer
}

// EOA returns the owner's externally owned address.
func (m *Multichain) EOA() common.Address {
	return m.signer.Address()
}

// AddressOn returns the smart account address on chainID.
func (m *Multichain) AddressOn(chainID uint64) (common.Address, error) {
	addr, ok := m.addresses[chainID]
	if !ok {
		return common.Address{}, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("链 %d 未配置智能账户", chainID),
			xerrors.WithMetadata("chain_id", fmt.Sprint(chainID)))
	}
	return addr, nil
}

// MustAddressOn is AddressOn for chains the caller configured itself.
func (m *Multichain) MustAddressOn(chainID uint64) common.Address {
	addr, err := m.AddressOn(chainID)
	if err != nil {
		panic(err)
	}
	return addr
}

// Chains lists configured chain ids in ascending order.
func (m *Multichain) Chains() []uint64 {
	ids := make([]uint64, 0, len(m.addresses))
	for id := range m.addresses {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// VersionOn returns the account version deployed on chainID.
func (m *Multichain) VersionOn(chainID uint64) (Version, bool) {
	v, ok := m.versions[chainID]
	return v, ok
}
