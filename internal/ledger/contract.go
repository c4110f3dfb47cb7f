package ledger

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/rapidverify/backend/internal/fingerprint"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	methodRecordVerification = "recordVerification"
	eventVerificationRecord  = "VerificationRecorded"

	// Scores are stored on chain as integers in [0, scoreScale].
	scoreScale = 10000
)

const registryABI = `[
	{
		"inputs": [
			{"name": "_claimHash", "type": "bytes32"},
			{"name": "_score", "type": "uint256"},
			{"name": "_status", "type": "string"},
			{"name": "_verdict", "type": "string"}
		],
		"name": "recordVerification",
		"outputs": [{"name": "", "type": "bytes32"}],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "recordId", "type": "bytes32"},
			{"indexed": true, "name": "claimHash", "type": "bytes32"},
			{"indexed": false, "name": "score", "type": "uint256"},
			{"indexed": false, "name": "status", "type": "string"},
			{"indexed": false, "name": "timestamp", "type": "uint256"}
		],
		"name": "VerificationRecorded",
		"type": "event"
	}
]`

// OnChainRecord holds the anchoring fields committed by a transaction.
type OnChainRecord struct {
	TransactionRef string
	BlockRef       uint64
	OnChainID      string
	Fingerprint    string
	Score          float64
	Verdict        string
	Timestamp      time.Time
}

type registryContract struct {
	address common.Address
	abi     abi.ABI
	event   abi.Event
}

func newRegistryContract(address common.Address) (*registryContract, error) {
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, err
	}
	event, ok := parsed.Events[eventVerificationRecord]
	if !ok {
		return nil, fmt.Errorf("registry abi is missing %s", eventVerificationRecord)
	}
	return &registryContract{address: address, abi: parsed, event: event}, nil
}

func (r *registryContract) packRecord(digest string, verdict string, score float64) ([]byte, error) {
	claimHash, err := fingerprint.Decode(digest)
	if err != nil {
		return nil, err
	}
	scaled, err := scaleScore(score)
	if err != nil {
		return nil, err
	}
	return r.abi.Pack(methodRecordVerification, claimHash, scaled, verdict, verdict)
}

// decodeReceipt extracts the anchoring event emitted by the registry contract.
func (r *registryContract) decodeReceipt(receipt *types.Receipt) (OnChainRecord, bool, error) {
	for _, entry := range receipt.Logs {
		if entry == nil || entry.Address != r.address {
			continue
		}
		if len(entry.Topics) != 3 || entry.Topics[0] != r.event.ID {
			continue
		}
		values, err := r.event.Inputs.NonIndexed().Unpack(entry.Data)
		if err != nil {
			return OnChainRecord{}, false, err
		}
		if len(values) != 3 {
			return OnChainRecord{}, false, fmt.Errorf("unexpected event field count %d", len(values))
		}
		score, okScore := values[0].(*big.Int)
		status, okStatus := values[1].(string)
		timestamp, okTimestamp := values[2].(*big.Int)
		if !okScore || !okStatus || !okTimestamp {
			return OnChainRecord{}, false, fmt.Errorf("unexpected event field types")
		}
		record := OnChainRecord{
			TransactionRef: receipt.TxHash.Hex(),
			OnChainID:      entry.Topics[1].Hex(),
			Fingerprint:    fingerprint.Encode([fingerprint.Size]byte(entry.Topics[2])),
			Score:          unscaleScore(score),
			Verdict:        status,
			Timestamp:      time.Unix(timestamp.Int64(), 0).UTC(),
		}
		if receipt.BlockNumber != nil {
			record.BlockRef = receipt.BlockNumber.Uint64()
		}
		return record, true, nil
	}
	return OnChainRecord{}, false, nil
}

func scaleScore(score float64) (*big.Int, error) {
	if math.IsNaN(score) || score < 0 || score > 1 {
		return nil, fmt.Errorf("score %v outside [0,1]", score)
	}
	return big.NewInt(int64(math.Round(score * scoreScale))), nil
}

func unscaleScore(value *big.Int) float64 {
	return float64(value.Int64()) / scoreScale
}
