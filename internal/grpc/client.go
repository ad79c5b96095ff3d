package grpc

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"market-alerts/pkg/models"
)

// Client is a typed wrapper over a connection to the rule service.
type Client struct {
	cc *grpc.ClientConn
}

// Dial opens an insecure client connection to addr.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	cc, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return &Client{cc: cc}, nil
}

func NewClient(cc *grpc.ClientConn) *Client {
	return &Client{cc: cc}
}

func (c *Client) Close() error {
	return c.cc.Close()
}

func (c *Client) AddRule(ctx context.Context, req AddRuleRequest) (*models.AlertRule, error) {
	return c.ruleCall(ctx, methodAddRule, req)
}

func (c *Client) UpdateRule(ctx context.Context, req UpdateRuleRequest) (*models.AlertRule, error) {
	return c.ruleCall(ctx, methodUpdateRule, req)
}

func (c *Client) RemoveRule(ctx context.Context, id string) error {
	out := new(wrapperspb.BoolValue)
	return c.cc.Invoke(ctx, methodRemoveRule, wrapperspb.String(id), out)
}

func (c *Client) ListRules(ctx context.Context, req ListRulesRequest) ([]*models.AlertRule, error) {
	return listCall[*models.AlertRule](ctx, c.cc, methodListRules, req)
}

func (c *Client) ListHistory(ctx context.Context, req ListHistoryRequest) ([]models.HistoryRecord, error) {
	return listCall[models.HistoryRecord](ctx, c.cc, methodListHistory, req)
}

// SubscribeTriggers calls fn for every trigger until the stream ends or fn returns an error.
func (c *Client) SubscribeTriggers(ctx context.Context, fn func(*models.TriggerEvent) error) error {
	stream, err := openStream(ctx, c.cc, 0, methodSubscribeTriggers, &emptypb.Empty{})
	if err != nil {
		return err
	}
	return recvAll(stream, fn)
}

// WatchPrices calls fn for every tick of the given symbols; no symbols means all of them.
func (c *Client) WatchPrices(ctx context.Context, symbols []string, fn func(models.Tick) error) error {
	in, err := toStruct(WatchPricesRequest{Symbols: symbols})
	if err != nil {
		return err
	}
	stream, err := openStream(ctx, c.cc, 1, methodWatchPrices, in)
	if err != nil {
		return err
	}
	return recvAll(stream, func(tick *models.Tick) error { return fn(*tick) })
}

func (c *Client) ruleCall(ctx context.Context, method string, req any) (*models.AlertRule, error) {
	in, err := toStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	rule := new(models.AlertRule)
	if err := fromStruct(out, rule); err != nil {
		return nil, fmt.Errorf("decode rule: %w", err)
	}
	return rule, nil
}

func listCall[T any](ctx context.Context, cc *grpc.ClientConn, method string, req any) ([]T, error) {
	in, err := toStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.ListValue)
	if err := cc.Invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	return fromListValue[T](out)
}

func openStream[Req any](ctx context.Context, cc *grpc.ClientConn, desc int, method string, in *Req) (grpc.ServerStreamingClient[structpb.Struct], error) {
	cs, err := cc.NewStream(ctx, &RuleService_ServiceDesc.Streams[desc], method)
	if err != nil {
		return nil, err
	}
	stream := &grpc.GenericClientStream[Req, structpb.Struct]{ClientStream: cs}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return stream, nil
}

func recvAll[T any](stream grpc.ServerStreamingClient[structpb.Struct], fn func(*T) error) error {
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		item := new(T)
		if err := fromStruct(msg, item); err != nil {
			return fmt.Errorf("decode stream message: %w", err)
		}
		if err := fn(item); err != nil {
			return err
		}
	}
}
