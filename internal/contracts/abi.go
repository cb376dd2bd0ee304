package contracts

// EscrowABI is the callable surface of the pledge escrow contract.
const EscrowABI = `[
	{
		"type": "function",
		"name": "deposit",
		"stateMutability": "payable",
		"inputs": [
			{"name": "projectId", "type": "uint256"},
			{"name": "amount", "type": "uint256"}
		],
		"outputs": []
	},
	{
		"type": "function",
		"name": "createProject",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "title", "type": "string"},
			{"name": "description", "type": "string"},
			{"name": "targetAmount", "type": "uint256"},
			{"name": "deadline", "type": "uint256"},
			{"name": "token", "type": "address"}
		],
		"outputs": [{"name": "", "type": "uint256"}]
	}
]`

// InvestmentNFTABI is the callable surface of the investment receipt contract.
// The second balanceOf is scoped to a project; go-ethereum exposes it as
// "balanceOf0".
const InvestmentNFTABI = `[
	{
		"type": "function",
		"name": "mintInvestmentNFT",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "investor", "type": "address"},
			{"name": "projectId", "type": "uint256"},
			{"name": "amount", "type": "uint256"},
			{"name": "metadataURI", "type": "string"},
			{"name": "investmentId", "type": "uint256"}
		],
		"outputs": [{"name": "", "type": "uint256"}]
	},
	{
		"type": "function",
		"name": "updateInvestmentValue",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "tokenId", "type": "uint256"},
			{"name": "newValue", "type": "uint256"}
		],
		"outputs": []
	},
	{
		"type": "function",
		"name": "getInvestmentData",
		"stateMutability": "view",
		"inputs": [{"name": "tokenId", "type": "uint256"}],
		"outputs": [
			{
				"name": "",
				"type": "tuple",
				"components": [
					{"name": "projectId", "type": "uint256"},
					{"name": "amount", "type": "uint256"},
					{"name": "currentValue", "type": "uint256"},
					{"name": "timestamp", "type": "uint256"},
					{"name": "investor", "type": "address"},
					{"name": "metadataURI", "type": "string"}
				]
			}
		]
	},
	{
		"type": "function",
		"name": "balanceOf",
		"stateMutability": "view",
		"inputs": [{"name": "owner", "type": "address"}],
		"outputs": [{"name": "", "type": "uint256"}]
	},
	{
		"type": "function",
		"name": "balanceOf",
		"stateMutability": "view",
		"inputs": [
			{"name": "owner", "type": "address"},
			{"name": "projectId", "type": "uint256"}
		],
		"outputs": [{"name": "", "type": "uint256"}]
	},
	{
		"type": "function",
		"name": "tokenURI",
		"stateMutability": "view",
		"inputs": [{"name": "tokenId", "type": "uint256"}],
		"outputs": [{"name": "", "type": "string"}]
	},
	{
		"type": "event",
		"name": "Transfer",
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "from", "type": "address"},
			{"indexed": true, "name": "to", "type": "address"},
			{"indexed": true, "name": "tokenId", "type": "uint256"}
		]
	}
]`

// Method names as resolved by abi.JSON.
const (
	MethodDeposit               = "deposit"
	MethodCreateProject         = "createProject"
	MethodMintInvestmentNFT     = "mintInvestmentNFT"
	MethodUpdateInvestmentValue = "updateInvestmentValue"
	MethodGetInvestmentData     = "getInvestmentData"
	MethodBalanceOf             = "balanceOf"
	MethodProjectBalanceOf      = "balanceOf0"
	MethodTokenURI              = "tokenURI"
	EventTransfer               = "Transfer"
)
