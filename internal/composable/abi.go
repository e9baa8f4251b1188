package composable

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "OpenMEE-Chain/internal/errors"
)

var bigIntType = reflect.TypeOf(&big.Int{})

// ParseFunction parses a human readable function signature such as
// "function supply(address asset, uint256 amount, address onBehalfOf, uint16 referralCode) external"
// or the canonical form "supply(address,uint256,address,uint16)".
func ParseFunction(signature string) (abi.Method, error) {
	sig := strings.TrimSpace(signature)
	sig = strings.TrimPrefix(sig, "function ")
	sig = strings.TrimSpace(sig)

	open := strings.IndexByte(sig, '(')
	if open <= 0 {
		return abi.Method{}, encodingErr(signature, "缺少函数名或参数列表")
	}
	name := strings.TrimSpace(sig[:open])
	if !isIdentifier(name) {
		return abi.Method{}, encodingErr(signature, fmt.Sprintf("非法函数名 %q", name))
	}
	closeIdx := strings.IndexByte(sig[open:], ')')
	if closeIdx < 0 {
		return abi.Method{}, encodingErr(signature, "参数列表未闭合")
	}
	body := sig[open+1 : open+closeIdx]
	if strings.ContainsAny(body, "()") {
		return abi.Method{}, encodingErr(signature, "暂不支持 tuple 参数")
	}

	var inputs abi.Arguments
	if strings.TrimSpace(body) != "" {
		for i, raw := range strings.Split(body, ",") {
			fields := strings.Fields(raw)
			if len(fields) == 0 {
				return abi.Method{}, encodingErr(signature, fmt.Sprintf("第 %d 个参数为空", i))
			}
			typ, err := abi.NewType(fields[0], "", nil)
			if err != nil {
				return abi.Method{}, xerrors.Wrap(xerrors.CodeEncoding, err, fmt.Sprintf("解析参数类型 %q 失败", fields[0]),
					xerrors.WithMetadata("signature", signature))
			}
			argName := ""
			for _, f := range fields[1:] {
				switch f {
				case "memory", "calldata", "storage", "indexed", "payable":
					continue
				}
				argName = f
			}
			inputs = append(inputs, abi.Argument{Name: argName, Type: typ})
		}
	}

	mutability := "nonpayable"
	if strings.Contains(sig[open+closeIdx:], "payable") {
		mutability = "payable"
	}
	return abi.NewMethod(name, name, abi.Function, mutability, false, mutability == "payable", inputs, nil), nil
}

// LookupMethod finds a function in a parsed JSON ABI.
func LookupMethod(parsed *abi.ABI, name string) (abi.Method, error) {
	if parsed == nil {
		return abi.Method{}, xerrors.New(xerrors.CodeEncoding, "未提供 ABI")
	}
	m, ok := parsed.Methods[name]
	if !ok {
		return abi.Method{}, xerrors.Newf(xerrors.CodeEncoding, "ABI 中不存在函数 %q", name)
	}
	return m, nil
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || r == '$':
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

func encodingErr(signature, reason string) error {
	return xerrors.New(xerrors.CodeEncoding, "函数签名格式错误: "+reason, xerrors.WithMetadata("signature", signature))
}

// isWord reports whether t occupies exactly one 32-byte static slot.
func isWord(t abi.Type) bool {
	switch t.T {
	case abi.AddressTy, abi.UintTy, abi.IntTy, abi.BoolTy, abi.FixedBytesTy:
		return true
	default:
		return false
	}
}

// packWord encodes one static value into its 32-byte slot.
func packWord(t abi.Type, v any) ([]byte, error) {
	return abi.Arguments{{Type: t}}.Pack(v)
}

// coerce converts a loosely typed literal (Go value, JSON value or string)
// into the exact Go type go-ethereum's packer expects for t.
func coerce(t abi.Type, v any) (any, error) {
	if v == nil {
		return nil, fmt.Errorf("%s 参数不能为空", t.String())
	}
	switch t.T {
	case abi.AddressTy:
		return toAddress(v)
	case abi.UintTy, abi.IntTy:
		return toInteger(t, v)
	case abi.BoolTy:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(x)) {
			case "true":
				return true, nil
			case "false":
				return false, nil
			}
		}
		return nil, fmt.Errorf("无法将 %T 转换为 bool", v)
	case abi.StringTy:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("无法将 %T 转换为 string", v)
	case abi.BytesTy:
		return toBytes(v)
	case abi.FixedBytesTy:
		raw, err := toBytes(v)
		if err != nil {
			return nil, err
		}
		if len(raw) != t.Size {
			return nil, fmt.Errorf("%s 需要 %d 字节，实际 %d", t.String(), t.Size, len(raw))
		}
		out := reflect.New(t.GetType()).Elem()
		reflect.Copy(out, reflect.ValueOf(raw))
		return out.Interface(), nil
	case abi.SliceTy, abi.ArrayTy:
		return toList(t, v)
	default:
		return nil, fmt.Errorf("暂不支持的参数类型 %s", t.String())
	}
}

func toAddress(v any) (common.Address, error) {
	switch x := v.(type) {
	case common.Address:
		return x, nil
	case *common.Address:
		if x != nil {
			return *x, nil
		}
	case string:
		if common.IsHexAddress(x) {
			return common.HexToAddress(x), nil
		}
	}
	return common.Address{}, fmt.Errorf("无法将 %v 转换为地址", v)
}

func toBig(v any) (*big.Int, error) {
	switch x := v.(type) {
	case *big.Int:
		if x == nil {
			return nil, fmt.Errorf("整数不能为 nil")
		}
		return new(big.Int).Set(x), nil
	case big.Int:
		return new(big.Int).Set(&x), nil
	case int:
		return big.NewInt(int64(x)), nil
	case int8:
		return big.NewInt(int64(x)), nil
	case int16:
		return big.NewInt(int64(x)), nil
	case int32:
		return big.NewInt(int64(x)), nil
	case int64:
		return big.NewInt(x), nil
	case uint:
		return new(big.Int).SetUint64(uint64(x)), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(x)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(x)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(x)), nil
	case uint64:
		return new(big.Int).SetUint64(x), nil
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("数值 %v 不是整数", x)
		}
		b, _ := new(big.Float).SetFloat64(x).Int(nil)
		return b, nil
	case json.Number:
		return toBig(x.String())
	case string:
		s := strings.TrimSpace(x)
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			return hexutil.DecodeBig(s)
		}
		b, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, fmt.Errorf("无法解析整数 %q", x)
		}
		return b, nil
	}
	return nil, fmt.Errorf("无法将 %T 转换为整数", v)
}

func toInteger(t abi.Type, v any) (any, error) {
	b, err := toBig(v)
	if err != nil {
		return nil, err
	}
	if t.T == abi.UintTy {
		if b.Sign() < 0 || b.BitLen() > t.Size {
			return nil, fmt.Errorf("%s 超出 %s 范围", b, t.String())
		}
	} else {
		limit := new(big.Int).Lsh(big.NewInt(1), uint(t.Size-1))
		if b.Cmp(limit) >= 0 || b.Cmp(new(big.Int).Neg(limit)) < 0 {
			return nil, fmt.Errorf("%s 超出 %s 范围", b, t.String())
		}
	}
	rt := t.GetType()
	if rt == bigIntType {
		return b, nil
	}
	out := reflect.New(rt).Elem()
	if t.T == abi.UintTy {
		out.SetUint(b.Uint64())
	} else {
		out.SetInt(b.Int64())
	}
	return out.Interface(), nil
}

func toBytes(v any) ([]byte, error) {
	switch x := v.(type) {
	case []byte:
		return common.CopyBytes(x), nil
	case hexutil.Bytes:
		return common.CopyBytes(x), nil
	case common.Hash:
		return x.Bytes(), nil
	case string:
		b, err := hexutil.Decode(x)
		if err != nil {
			return nil, fmt.Errorf("无法解析十六进制 %q: %w", x, err)
		}
		return b, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Array && rv.Type().Elem().Kind() == reflect.Uint8 {
		out := make([]byte, rv.Len())
		reflect.Copy(reflect.ValueOf(out), rv)
		return out, nil
	}
	return nil, fmt.Errorf("无法将 %T 转换为 bytes", v)
}

func toList(t abi.Type, v any) (any, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("%s 需要列表参数，实际 %T", t.String(), v)
	}
	n := rv.Len()
	var out reflect.Value
	if t.T == abi.ArrayTy {
		if n != t.Size {
			return nil, fmt.Errorf("%s 需要 %d 个元素，实际 %d", t.String(), t.Size, n)
		}
		out = reflect.New(t.GetType()).Elem()
	} else {
		out = reflect.MakeSlice(t.GetType(), n, n)
	}
	for i := 0; i < n; i++ {
		elem, err := coerce(*t.Elem, rv.Index(i).Interface())
		if err != nil {
			return nil, fmt.Errorf("第 %d 个元素: %w", i, err)
		}
		out.Index(i).Set(reflect.ValueOf(elem))
	}
	return out.Interface(), nil
}
