package classifier

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// ClassifyMethod is the full gRPC method name of the classifier service.
// Requests and responses are google.protobuf.Struct messages.
const ClassifyMethod = "/sketchduel.classifier.v1.Classifier/Classify"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errMalformedResponse        = errors.New("malformed classifier response")
)

// GrpcClient calls the classifier service over gRPC.
type GrpcClient struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcClientConfig returns default configuration for addr.
func DefaultGrpcClientConfig(addr string) GrpcClientConfig {
	return GrpcClientConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient connects to the classifier and waits until the connection is ready.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		return nil, errors.New("classifier address is required")
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to classifier at %s: %w", cfg.Address, err)
	}

	// Fail fast on a bad endpoint.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("classifier at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to classifier service", "address", cfg.Address)

	return &GrpcClient{conn: conn, addr: cfg.Address, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Classify sends the image and vocabulary and decodes the verdict.
func (c *GrpcClient) Classify(ctx context.Context, image []byte, vocabulary []string) (*Result, error) {
	req, err := encodeRequest(image, vocabulary)
	if err != nil {
		return nil, err
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, ClassifyMethod, req, resp); err != nil {
		return nil, fmt.Errorf("classify request failed: %w", err)
	}
	return decodeResponse(resp)
}

func encodeRequest(image []byte, vocabulary []string) (*structpb.Struct, error) {
	words := make([]any, len(vocabulary))
	for i, w := range vocabulary {
		words[i] = w
	}
	req, err := structpb.NewStruct(map[string]any{
		"image_base64": base64.StdEncoding.EncodeToString(image),
		"vocabulary":   words,
	})
	if err != nil {
		return nil, fmt.Errorf("encode classify request: %w", err)
	}
	return req, nil
}

func decodeResponse(resp *structpb.Struct) (*Result, error) {
	fields := resp.GetFields()
	res := &Result{
		MainGuess: fields["main_guess"].GetStringValue(),
		Reasoning: fields["reasoning"].GetStringValue(),
	}

	for _, v := range fields["guesses"].GetListValue().GetValues() {
		g := v.GetStructValue()
		if g == nil {
			return nil, fmt.Errorf("%w: guess is not an object", errMalformedResponse)
		}
		res.Guesses = append(res.Guesses, Guess{
			Label:      g.GetFields()["label"].GetStringValue(),
			Confidence: g.GetFields()["confidence"].GetNumberValue(),
		})
	}

	if res.MainGuess == "" && len(res.Guesses) == 0 {
		return nil, fmt.Errorf("%w: no guesses", errMalformedResponse)
	}
	return res, nil
}
