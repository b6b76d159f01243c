// Package contracts holds the ABI fragments of the deployed delivery
// escrow. The tuple layout of ReleaseAuth is load-bearing: it must match
// the contract's typed-data verification field for field.
package contracts

const DeliveryEscrowABI = `[
  {
    "type": "function",
    "name": "orders",
    "stateMutability": "view",
    "inputs": [
      { "name": "orderId", "type": "bytes32" }
    ],
    "outputs": [
      { "name": "buyer", "type": "address" },
      { "name": "merchant", "type": "address" },
      { "name": "amount", "type": "uint256" },
      { "name": "timeout", "type": "uint64" },
      { "name": "status", "type": "uint8" }
    ]
  },
  {
    "type": "function",
    "name": "release",
    "stateMutability": "nonpayable",
    "inputs": [
      { "name": "orderId", "type": "bytes32" },
      {
        "name": "auth",
        "type": "tuple",
        "components": [
          { "name": "orderId", "type": "bytes32" },
          { "name": "merchant", "type": "address" },
          { "name": "amount", "type": "uint256" },
          { "name": "exp", "type": "uint64" },
          { "name": "authNonce", "type": "bytes32" }
        ]
      },
      { "name": "sig", "type": "bytes" }
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "usedAuth",
    "stateMutability": "view",
    "inputs": [
      { "name": "authNonce", "type": "bytes32" }
    ],
    "outputs": [
      { "name": "", "type": "bool" }
    ]
  }
]`
