package ledger

import (
	"fmt"
	"sort"
	"strings"
)

// Network describes an EVM network records can be anchored to.
type Network struct {
	Name        string
	DisplayName string
	ChainID     int64
	RPCURL      string
	ExplorerURL string
}

// ExplorerTxURL links a transaction on the network's public explorer, or
// returns an empty string when the network has none.
func (n Network) ExplorerTxURL(transactionRef string) string {
	if n.ExplorerURL == "" || transactionRef == "" {
		return ""
	}
	return strings.TrimRight(n.ExplorerURL, "/") + "/tx/" + transactionRef
}

// DefaultNetwork is used when no network is configured.
const DefaultNetwork = "polygon_amoy"

var knownNetworks = map[string]Network{
	"polygon_mainnet": {
		Name:        "polygon_mainnet",
		DisplayName: "Polygon Mainnet",
		ChainID:     137,
		RPCURL:      "https://polygon-rpc.com",
		ExplorerURL: "https://polygonscan.com",
	},
	"polygon_amoy": {
		Name:        "polygon_amoy",
		DisplayName: "Polygon Amoy Testnet",
		ChainID:     80002,
		RPCURL:      "https://rpc-amoy.polygon.technology",
		ExplorerURL: "https://amoy.polygonscan.com",
	},
	"polygon_mumbai": {
		Name:        "polygon_mumbai",
		DisplayName: "Polygon Mumbai Testnet",
		ChainID:     80001,
		RPCURL:      "https://rpc-mumbai.maticvigil.com",
		ExplorerURL: "https://mumbai.polygonscan.com",
	},
	"ethereum_sepolia": {
		Name:        "ethereum_sepolia",
		DisplayName: "Ethereum Sepolia Testnet",
		ChainID:     11155111,
		ExplorerURL: "https://sepolia.etherscan.io",
	},
	"localhost": {
		Name:        "localhost",
		DisplayName: "Local Development",
		ChainID:     31337,
		RPCURL:      "http://127.0.0.1:8545",
	},
}

// LookupNetwork resolves a network by name.
func LookupNetwork(name string) (Network, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = DefaultNetwork
	}
	network, ok := knownNetworks[key]
	if !ok {
		return Network{}, fmt.Errorf("unknown ledger network %q (known: %s)", name, strings.Join(NetworkNames(), ", "))
	}
	return network, nil
}

// NetworkNames lists the built-in network names in sorted order.
func NetworkNames() []string {
	names := make([]string, 0, len(knownNetworks))
	for name := range knownNetworks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
