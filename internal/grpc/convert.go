package grpc

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"market-alerts/pkg/models"
)

// AddRuleRequest is the body of AddRule.
type AddRuleRequest struct {
	Symbol     string              `json:"symbol"`
	Condition  string              `json:"condition"`
	Threshold  float64             `json:"threshold"`
	Channels   []string            `json:"channels,omitempty"`
	Recipients map[string][]string `json:"recipients,omitempty"`
	Note       string              `json:"note,omitempty"`
	Enabled    *bool               `json:"enabled,omitempty"`
}

// UpdateRuleRequest carries only the fields to change.
type UpdateRuleRequest struct {
	ID         string              `json:"id"`
	Symbol     *string             `json:"symbol,omitempty"`
	Condition  *string             `json:"condition,omitempty"`
	Threshold  *float64            `json:"threshold,omitempty"`
	Channels   []string            `json:"channels,omitempty"`
	Recipients map[string][]string `json:"recipients,omitempty"`
	Note       *string             `json:"note,omitempty"`
	Enabled    *bool               `json:"enabled,omitempty"`
}

type ListRulesRequest struct {
	Symbol      string `json:"symbol,omitempty"`
	EnabledOnly bool   `json:"enabled_only,omitempty"`
}

type ListHistoryRequest struct {
	RuleID string `json:"rule_id,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type WatchPricesRequest struct {
	Symbols []string `json:"symbols,omitempty"`
}

// toStruct converts any JSON-serialisable value into a protobuf Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes a Struct into v through its JSON form.
func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func toListValue[T any](items []T) (*structpb.ListValue, error) {
	list := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(items))}
	for _, item := range items {
		s, err := toStruct(item)
		if err != nil {
			return nil, err
		}
		list.Values = append(list.Values, structpb.NewStructValue(s))
	}
	return list, nil
}

func fromListValue[T any](list *structpb.ListValue) ([]T, error) {
	out := make([]T, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		s := v.GetStructValue()
		if s == nil {
			return nil, fmt.Errorf("item %d is not an object", i)
		}
		var item T
		if err := fromStruct(s, &item); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		out = append(out, item)
	}
	return out, nil
}

func parseChannels(names []string) ([]models.Channel, error) {
	if names == nil {
		return nil, nil
	}
	channels := make([]models.Channel, 0, len(names))
	for _, name := range names {
		ch, err := models.ParseChannel(name)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, nil
}

func parseRecipients(in map[string][]string) (map[models.Channel][]string, error) {
	if in == nil {
		return nil, nil
	}
	out := make(map[models.Channel][]string, len(in))
	for name, to := range in {
		ch, err := models.ParseChannel(name)
		if err != nil {
			return nil, err
		}
		out[ch] = append(out[ch], to...)
	}
	return out, nil
}

// generateSubscriberID generates a unique stream subscriber ID
func generateSubscriberID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
