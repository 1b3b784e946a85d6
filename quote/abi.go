package quote

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Multicall3 aggregate3: one round trip for the whole batch, per-call
// failures allowed.
const multicallABIJson = `[{"inputs":[{"components":[{"internalType":"address","name":"target","type":"address"},{"internalType":"bool","name":"allowFailure","type":"bool"},{"internalType":"bytes","name":"callData","type":"bytes"}],"internalType":"struct Multicall3.Call3[]","name":"calls","type":"tuple[]"}],"name":"aggregate3","outputs":[{"components":[{"internalType":"bool","name":"success","type":"bool"},{"internalType":"bytes","name":"returnData","type":"bytes"}],"internalType":"struct Multicall3.Result[]","name":"returnData","type":"tuple[]"}],"stateMutability":"payable","type":"function"}]`

// Constant-product router quoting entry point.
const routerABIJson = `[{"inputs":[{"internalType":"uint256","name":"amountIn","type":"uint256"},{"internalType":"address[]","name":"path","type":"address[]"}],"name":"getAmountsOut","outputs":[{"internalType":"uint256[]","name":"amounts","type":"uint256[]"}],"stateMutability":"view","type":"function"}]`

// Concentrated-liquidity quoter entry point.
const quoterABIJson = `[{"inputs":[{"internalType":"address","name":"tokenIn","type":"address"},{"internalType":"address","name":"tokenOut","type":"address"},{"internalType":"uint24","name":"fee","type":"uint24"},{"internalType":"uint256","name":"amountIn","type":"uint256"},{"internalType":"uint160","name":"sqrtPriceLimitX96","type":"uint160"}],"name":"quoteExactInputSingle","outputs":[{"internalType":"uint256","name":"amountOut","type":"uint256"}],"stateMutability":"nonpayable","type":"function"}]`

// multicallCall mirrors Multicall3.Call3 for abi packing.
type multicallCall struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

// multicallResult mirrors Multicall3.Result for abi unpacking.
type multicallResult struct {
	Success    bool
	ReturnData []byte
}

type abiSet struct {
	multicall abi.ABI
	router    abi.ABI
	quoter    abi.ABI
}

func mustParseABIs() *abiSet {
	parse := func(src string) abi.ABI {
		parsed, err := abi.JSON(strings.NewReader(src))
		if err != nil {
			panic(err)
		}
		return parsed
	}
	return &abiSet{
		multicall: parse(multicallABIJson),
		router:    parse(routerABIJson),
		quoter:    parse(quoterABIJson),
	}
}
