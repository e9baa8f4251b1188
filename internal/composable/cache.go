package composable

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	lru "github.com/hashicorp/golang-lru/v2"
)

// signatureCacheSize bounds the number of parsed signatures kept in memory.
const signatureCacheSize = 256

// Workers build the same handful of signatures for every job. Parsed methods
// are only read after construction so cached values can be shared.
var signatureCache = mustSignatureCache()

func mustSignatureCache() *lru.Cache[string, abi.Method] {
	c, err := lru.New[string, abi.Method](signatureCacheSize)
	if err != nil {
		panic(err)
	}
	return c
}

// parseFunctionCached is ParseFunction backed by signatureCache. Failures are
// not cached.
func parseFunctionCached(signature string) (abi.Method, error) {
	key := strings.TrimSpace(signature)
	if m, ok := signatureCache.Get(key); ok {
		return m, nil
	}
	m, err := ParseFunction(signature)
	if err != nil {
		return abi.Method{}, err
	}
	signatureCache.Add(key, m)
	return m, nil
}
