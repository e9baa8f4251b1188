package web3

// AavePoolABIJSON is the part of the Aave v3 Pool used by the supply flow.
const AavePoolABIJSON = `[
 {"type":"function","name":"supply","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"onBehalfOf","type":"address"},{"name":"referralCode","type":"uint16"}],"outputs":[]},
 {"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"to","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// AavePool is the parsed pool ABI.
var AavePool = mustParseABI(AavePoolABIJSON)
