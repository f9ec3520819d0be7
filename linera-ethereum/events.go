package ethereum

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ParsedEvent is a decoded EVM log. Args holds both indexed and non-indexed
// arguments keyed by name, with go-ethereum's ABI types (*big.Int,
// common.Address, ...).
type ParsedEvent struct {
	Name        string
	Signature   string
	Address     common.Address
	BlockNumber uint64
	TxHash      common.Hash
	TxIndex     uint
	BlockHash   common.Hash
	LogIndex    uint
	Removed     bool
	Topics      []common.Hash
	Data        []byte
	Args        map[string]any
}

// ParseEvents decodes the logs emitted by this contract. Logs from other
// addresses or with unknown topics are skipped.
func (c *Contract) ParseEvents(logs []*types.Log) ([]ParsedEvent, error) {
	events := make([]ParsedEvent, 0, len(logs))

	for _, log := range logs {
		if log == nil || log.Address != c.addr || len(log.Topics) == 0 {
			continue
		}

		event, err := c.abi.EventByID(log.Topics[0])
		if err != nil {
			continue
		}

		parsed, err := parseEvent(event, log)
		if err != nil {
			return nil, &CallError{Kind: ErrDecode, Op: "event " + event.Name, Contract: c.addr, Data: log.Data, Err: err}
		}

		events = append(events, parsed)
	}

	return events, nil
}

func parseEvent(event *abi.Event, log *types.Log) (ParsedEvent, error) {
	args := make(map[string]any, len(event.Inputs))

	if len(log.Data) > 0 {
		if err := event.Inputs.UnpackIntoMap(args, log.Data); err != nil {
			return ParsedEvent{}, fmt.Errorf("failed to unpack data: %w", err)
		}
	}

	var indexed abi.Arguments

	for _, input := range event.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		}
	}

	if err := abi.ParseTopicsIntoMap(args, indexed, log.Topics[1:]); err != nil {
		return ParsedEvent{}, fmt.Errorf("failed to parse topics: %w", err)
	}

	topics := make([]common.Hash, len(log.Topics))
	copy(topics, log.Topics)

	return ParsedEvent{
		Name:        event.Name,
		Signature:   event.Sig,
		Address:     log.Address,
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash,
		TxIndex:     log.TxIndex,
		BlockHash:   log.BlockHash,
		LogIndex:    log.Index,
		Removed:     log.Removed,
		Topics:      topics,
		Data:        log.Data,
		Args:        args,
	}, nil
}
