package grpc

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"market-alerts/internal/alerts"
	"market-alerts/internal/pricecache"
	"market-alerts/internal/pubsub"
	"market-alerts/pkg/models"
)

const streamBuffer = 100

// RuleServer exposes rule management, trigger history and live streams.
type RuleServer struct {
	store      *alerts.Store
	history    *alerts.History
	triggerBus *alerts.TriggerBus
	broker     *pubsub.Broker
	cache      *pricecache.Cache
	logger     *zap.Logger
}

func NewRuleServer(store *alerts.Store, history *alerts.History, triggerBus *alerts.TriggerBus,
	broker *pubsub.Broker, cache *pricecache.Cache, logger *zap.Logger) *RuleServer {
	return &RuleServer{
		store:      store,
		history:    history,
		triggerBus: triggerBus,
		broker:     broker,
		cache:      cache,
		logger:     logger.Named("grpc"),
	}
}

// NewServer builds a gRPC server with logging interceptors and the rule service registered.
func NewServer(rs *RuleServer, logger *zap.Logger, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts,
		grpc.ChainUnaryInterceptor(UnaryLoggingInterceptor(logger)),
		grpc.ChainStreamInterceptor(StreamLoggingInterceptor(logger)),
	)
	s := grpc.NewServer(opts...)
	RegisterRuleServiceServer(s, rs)
	reflection.Register(s)
	return s
}

func (s *RuleServer) AddRule(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req AddRuleRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}

	condition, err := models.ParseCondition(req.Condition)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	channels, err := parseChannels(req.Channels)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	recipients, err := parseRecipients(req.Recipients)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	rule := models.NewAlertRule(req.Symbol, condition, req.Threshold, channels, recipients)
	rule.Note = req.Note
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}

	id, err := s.store.Add(rule)
	if err != nil {
		return nil, toStatus(err)
	}
	stored, err := s.store.Get(id)
	if err != nil {
		return nil, toStatus(err)
	}

	s.logger.Info("Created rule",
		zap.String("rule_id", id),
		zap.String("symbol", stored.Symbol),
		zap.Stringer("condition", stored.Condition),
		zap.Float64("threshold", stored.Threshold))

	return encode(stored)
}

func (s *RuleServer) RemoveRule(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	if in.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "rule ID is required")
	}
	if err := s.store.Remove(in.GetValue()); err != nil {
		return nil, toStatus(err)
	}

	s.logger.Info("Removed rule", zap.String("rule_id", in.GetValue()))
	return wrapperspb.Bool(true), nil
}

func (s *RuleServer) UpdateRule(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req UpdateRuleRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	if req.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "rule ID is required")
	}

	update := alerts.RuleUpdate{
		Symbol:    req.Symbol,
		Threshold: req.Threshold,
		Note:      req.Note,
		Enabled:   req.Enabled,
	}
	if req.Condition != nil {
		condition, err := models.ParseCondition(*req.Condition)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		update.Condition = &condition
	}
	channels, err := parseChannels(req.Channels)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	update.Channels = channels
	recipients, err := parseRecipients(req.Recipients)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	update.Recipients = recipients

	rule, err := s.store.Update(req.ID, update)
	if err != nil {
		return nil, toStatus(err)
	}

	s.logger.Info("Updated rule", zap.String("rule_id", req.ID))
	return encode(rule)
}

func (s *RuleServer) ListRules(ctx context.Context, in *structpb.Struct) (*structpb.ListValue, error) {
	var req ListRulesRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}

	rules := s.store.List(alerts.RuleFilter{Symbol: req.Symbol, EnabledOnly: req.EnabledOnly})
	list, err := toListValue(rules)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode rules: %v", err)
	}
	return list, nil
}

func (s *RuleServer) ListHistory(ctx context.Context, in *structpb.Struct) (*structpb.ListValue, error) {
	var req ListHistoryRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	if req.Limit < 0 {
		return nil, status.Error(codes.InvalidArgument, "limit cannot be negative")
	}

	records := s.history.List(req.RuleID, req.Limit)
	list, err := toListValue(records)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode history: %v", err)
	}
	return list, nil
}

func (s *RuleServer) SubscribeTriggers(_ *emptypb.Empty, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	subscriberID := generateSubscriberID()
	log := s.logger.With(zap.String("subscriber", subscriberID))
	log.Info("Client subscribing to alert triggers")

	subscriber := s.triggerBus.Subscribe(subscriberID, streamBuffer)
	defer s.triggerBus.Unsubscribe(subscriberID)

	for {
		select {
		case <-stream.Context().Done():
			log.Info("Client disconnected from trigger stream")
			return stream.Context().Err()
		case trigger, ok := <-subscriber.TriggerChan:
			if !ok {
				return nil
			}
			msg, err := encode(trigger)
			if err != nil {
				log.Error("Failed to encode trigger", zap.Error(err))
				continue
			}
			if err := stream.Send(msg); err != nil {
				log.Warn("Error sending trigger to client", zap.Error(err))
				return err
			}
		}
	}
}

// WatchPrices sends the cached prices for the requested symbols, then every fresh tick.
func (s *RuleServer) WatchPrices(in *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	var req WatchPricesRequest
	if err := fromStruct(in, &req); err != nil {
		return status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}

	subscriberID := generateSubscriberID()
	log := s.logger.With(zap.String("subscriber", subscriberID), zap.Strings("symbols", req.Symbols))
	log.Info("Client subscribing to price updates")

	subscriber := s.broker.Subscribe(subscriberID, req.Symbols, streamBuffer)
	defer s.broker.Unsubscribe(subscriberID)

	for _, tick := range s.cache.Snapshot() {
		if !subscriber.IsInterestedIn(tick.Symbol) {
			continue
		}
		if err := s.sendTick(stream, tick); err != nil {
			return err
		}
	}

	for {
		select {
		case <-stream.Context().Done():
			log.Info("Client disconnected from price stream")
			return stream.Context().Err()
		case tick, ok := <-subscriber.TickChan:
			if !ok {
				return nil
			}
			if err := s.sendTick(stream, tick); err != nil {
				log.Warn("Error sending price tick to client", zap.Error(err))
				return err
			}
		}
	}
}

func (s *RuleServer) sendTick(stream grpc.ServerStreamingServer[structpb.Struct], tick models.Tick) error {
	msg, err := encode(tick)
	if err != nil {
		return status.Errorf(codes.Internal, "encode tick: %v", err)
	}
	return stream.Send(msg)
}

func encode(v any) (*structpb.Struct, error) {
	s, err := toStruct(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, alerts.ErrRuleNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, alerts.ErrInvalidRule):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func UnaryLoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	logger = logger.Named("grpc")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("Unary call",
			zap.String("method", info.FullMethod),
			zap.Stringer("code", status.Code(err)),
			zap.Duration("duration", time.Since(start)))
		return resp, err
	}
}

func StreamLoggingInterceptor(logger *zap.Logger) grpc.StreamServerInterceptor {
	logger = logger.Named("grpc")
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		logger.Debug("Stream closed",
			zap.String("method", info.FullMethod),
			zap.Stringer("code", status.Code(err)),
			zap.Duration("duration", time.Since(start)))
		return err
	}
}
