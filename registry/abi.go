package registry

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// CustodyRegistryABI is the ABI of the custody registry contract.
// Groups are keyed by bytes32, nodes by their account address.
const CustodyRegistryABI = `[
  {"type":"function","name":"getGroups","stateMutability":"view","inputs":[],
   "outputs":[{"name":"ids","type":"bytes32[]"}]},
  {"type":"function","name":"getMembers","stateMutability":"view",
   "inputs":[{"name":"group","type":"bytes32"}],
   "outputs":[{"name":"members","type":"address[]"}]},
  {"type":"function","name":"activeMembers","stateMutability":"view",
   "inputs":[{"name":"group","type":"bytes32"}],
   "outputs":[{"name":"count","type":"uint256"}]},
  {"type":"function","name":"getEpoch","stateMutability":"view",
   "inputs":[{"name":"group","type":"bytes32"}],
   "outputs":[{"name":"epoch","type":"uint64"}]},
  {"type":"function","name":"commitmentStatus","stateMutability":"view",
   "inputs":[{"name":"group","type":"bytes32"},{"name":"epoch","type":"uint64"}],
   "outputs":[{"name":"complete","type":"bool"},{"name":"submitted","type":"uint256"}]},
  {"type":"function","name":"getBackupAssignments","stateMutability":"view",
   "inputs":[{"name":"group","type":"bytes32"}],
   "outputs":[{"name":"targets","type":"bytes32[]"},{"name":"holders","type":"address[]"},
              {"name":"indices","type":"uint256[]"},{"name":"epochs","type":"uint64[]"},
              {"name":"delivered","type":"bool[]"}]},
  {"type":"function","name":"pendingSigningRequests","stateMutability":"view",
   "inputs":[{"name":"group","type":"bytes32"}],
   "outputs":[{"name":"ids","type":"bytes32[]"},{"name":"slots","type":"uint256[]"},
              {"name":"txData","type":"bytes[]"}]},
  {"type":"function","name":"publishShareCommitment","stateMutability":"nonpayable",
   "inputs":[{"name":"group","type":"bytes32"},{"name":"epoch","type":"uint64"},{"name":"hash","type":"bytes32"}],
   "outputs":[]},
  {"type":"function","name":"advanceEpoch","stateMutability":"nonpayable",
   "inputs":[{"name":"group","type":"bytes32"},{"name":"epoch","type":"uint64"}],
   "outputs":[]},
  {"type":"function","name":"recordBackupAssignment","stateMutability":"nonpayable",
   "inputs":[{"name":"source","type":"bytes32"},{"name":"target","type":"bytes32"},
             {"name":"holder","type":"address"},{"name":"index","type":"uint256"},
             {"name":"epoch","type":"uint64"},{"name":"delivered","type":"bool"}],
   "outputs":[]},
  {"type":"function","name":"submitSignature","stateMutability":"nonpayable",
   "inputs":[{"name":"requestId","type":"bytes32"},{"name":"signature","type":"bytes"}],
   "outputs":[]}
]`

// ParsedABI returns the parsed custody registry ABI.
func ParsedABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(CustodyRegistryABI))
}
