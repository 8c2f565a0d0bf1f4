package contract

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"optionsync/internal/model"
)

// Decoder decodes OptionManager logs into lifecycle events.
type Decoder struct {
	managerABI  abi.ABI
	topicToKind map[string]model.EventKind
}

// NewDecoder builds an OptionManager decoder.
func NewDecoder() (*Decoder, error) {
	managerABI, err := OptionManagerABI()
	if err != nil {
		return nil, err
	}

	topicToKind := make(map[string]model.EventKind, len(model.EventKinds))
	for _, kind := range model.EventKinds {
		event, ok := managerABI.Events[string(kind)]
		if !ok {
			return nil, fmt.Errorf("abi missing event %s", kind)
		}
		topicToKind[strings.ToLower(event.ID.Hex())] = kind
	}

	return &Decoder{
		managerABI:  managerABI,
		topicToKind: topicToKind,
	}, nil
}

// Topics returns the topic0 hashes of every decodable event.
func (d *Decoder) Topics() []common.Hash {
	out := make([]common.Hash, 0, len(model.EventKinds))
	for _, kind := range model.EventKinds {
		out = append(out, d.managerABI.Events[string(kind)].ID)
	}
	return out
}

// CanDecode checks if the topic0 is supported.
func (d *Decoder) CanDecode(topic0 string) bool {
	if topic0 == "" {
		return false
	}
	_, ok := d.topicToKind[strings.ToLower(topic0)]
	return ok
}

// Decode converts a LogRecord into an Event.
func (d *Decoder) Decode(log model.LogRecord) (model.Event, error) {
	if len(log.Topics) == 0 {
		return model.Event{}, fmt.Errorf("missing topics")
	}
	kind, ok := d.topicToKind[strings.ToLower(log.Topics[0])]
	if !ok {
		return model.Event{}, fmt.Errorf("unsupported topic0: %s", log.Topics[0])
	}

	ev := model.Event{Kind: kind, Log: log.Ref()}
	var err error
	switch kind {
	case model.EventOptionCreated:
		err = d.decodeCreated(log, &ev)
	case model.EventOptionDeleted:
		err = d.decodeDeleted(log, &ev)
	default:
		err = d.decodeBuyerEvent(log, &ev)
	}
	if err != nil {
		return model.Event{}, fmt.Errorf("decode %s: %w", kind, err)
	}
	return ev, nil
}

func (d *Decoder) decodeCreated(log model.LogRecord, ev *model.Event) error {
	event := d.managerABI.Events[string(model.EventOptionCreated)]
	indexedTopics, err := parseIndexedTopics(event, log.Topics)
	if err != nil {
		return err
	}

	var indexed struct {
		Seller common.Address
	}
	if err := abi.ParseTopics(&indexed, indexedArguments(event.Inputs), indexedTopics); err != nil {
		return fmt.Errorf("parse topics: %w", err)
	}

	values, err := unpackNonIndexed(event, log.Data)
	if err != nil {
		return err
	}
	if len(values) != 7 {
		return fmt.Errorf("unexpected created values: %d", len(values))
	}

	optionID, err := asBigInt(values[0])
	if err != nil {
		return fmt.Errorf("option id: %w", err)
	}
	optionType, err := asUint8(values[1])
	if err != nil {
		return fmt.Errorf("option type: %w", err)
	}
	strike, err := asBigInt(values[2])
	if err != nil {
		return fmt.Errorf("strike: %w", err)
	}
	premium, err := asBigInt(values[3])
	if err != nil {
		return fmt.Errorf("premium: %w", err)
	}
	asset, err := asAddress(values[4])
	if err != nil {
		return fmt.Errorf("asset: %w", err)
	}
	assetAmount, err := asBigInt(values[5])
	if err != nil {
		return fmt.Errorf("asset amount: %w", err)
	}
	expiry, err := asBigInt(values[6])
	if err != nil {
		return fmt.Errorf("expiry: %w", err)
	}

	ev.OptionID = optionID
	ev.Created = &model.CreatedPayload{
		OptionType:  model.OptionType(optionType),
		Seller:      indexed.Seller.Hex(),
		StrikePrice: strike,
		Premium:     premium,
		Asset:       asset.Hex(),
		AssetAmount: assetAmount,
		Expiry:      expiry,
	}
	return nil
}

func (d *Decoder) decodeBuyerEvent(log model.LogRecord, ev *model.Event) error {
	event := d.managerABI.Events[string(ev.Kind)]
	indexedTopics, err := parseIndexedTopics(event, log.Topics)
	if err != nil {
		return err
	}

	var indexed struct {
		Buyer common.Address
	}
	if err := abi.ParseTopics(&indexed, indexedArguments(event.Inputs), indexedTopics); err != nil {
		return fmt.Errorf("parse topics: %w", err)
	}

	optionID, err := d.unpackOptionID(event, log.Data)
	if err != nil {
		return err
	}

	ev.OptionID = optionID
	ev.Buyer = indexed.Buyer.Hex()
	return nil
}

func (d *Decoder) decodeDeleted(log model.LogRecord, ev *model.Event) error {
	event := d.managerABI.Events[string(model.EventOptionDeleted)]
	if _, err := parseIndexedTopics(event, log.Topics); err != nil {
		return err
	}
	optionID, err := d.unpackOptionID(event, log.Data)
	if err != nil {
		return err
	}
	ev.OptionID = optionID
	return nil
}

func (d *Decoder) unpackOptionID(event abi.Event, data string) (*big.Int, error) {
	values, err := unpackNonIndexed(event, data)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unexpected %s values: %d", event.Name, len(values))
	}
	optionID, err := asBigInt(values[0])
	if err != nil {
		return nil, fmt.Errorf("option id: %w", err)
	}
	return optionID, nil
}

func parseIndexedTopics(event abi.Event, topics []string) ([]common.Hash, error) {
	indexedCount := len(indexedArguments(event.Inputs))
	if len(topics) != indexedCount+1 {
		return nil, fmt.Errorf("expected %d topics, got %d", indexedCount+1, len(topics))
	}
	return parseTopicHashes(topics[1:])
}

func parseTopicHashes(topics []string) ([]common.Hash, error) {
	out := make([]common.Hash, 0, len(topics))
	for _, topic := range topics {
		data, err := hexutil.Decode(topic)
		if err != nil {
			return nil, fmt.Errorf("invalid topic: %w", err)
		}
		if len(data) > 32 {
			return nil, fmt.Errorf("topic length %d", len(data))
		}
		out = append(out, common.BytesToHash(data))
	}
	return out, nil
}

func indexedArguments(args abi.Arguments) abi.Arguments {
	indexed := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}

func unpackNonIndexed(event abi.Event, dataHex string) ([]interface{}, error) {
	data, err := hexutil.Decode(dataHex)
	if err != nil {
		return nil, fmt.Errorf("invalid data: %w", err)
	}
	values, err := event.Inputs.NonIndexed().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", event.Name, err)
	}
	return values, nil
}
