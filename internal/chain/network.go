package chain

// Network is a chain the client may connect to.
type Network struct {
	ChainID uint64 `json:"chainId"`
	Name    string `json:"name"`
	RPCURL  string `json:"rpcUrl"`
	Testnet bool   `json:"testnet"`
}

// Default test networks, in preference order.
var (
	Sepolia = Network{
		ChainID: 11155111,
		Name:    "Sepolia",
		RPCURL:  "https://ethereum-sepolia-rpc.publicnode.com",
		Testnet: true,
	}
	PolygonAmoy = Network{
		ChainID: 80002,
		Name:    "Polygon Amoy",
		RPCURL:  "https://rpc-amoy.polygon.technology",
		Testnet: true,
	}
)

// DefaultNetworks returns the supported networks in preference order.
func DefaultNetworks() []Network {
	return []Network{Sepolia, PolygonAmoy}
}

// Metadata describes the application to wallets during connection.
type Metadata struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	URL         string   `json:"url"`
	Icons       []string `json:"icons"`
}

func findNetwork(networks []Network, chainID uint64) (Network, bool) {
	for _, n := range networks {
		if n.ChainID == chainID {
			return n, true
		}
	}
	return Network{}, false
}
