package classifier

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/ashureev/sketch-duel/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

// startFakeServer serves ClassifyMethod with handle over an in-memory listener.
func startFakeServer(t *testing.T, handle func(req *structpb.Struct) (*structpb.Struct, error)) *GrpcClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(stream)
		if method != ClassifyMethod {
			return errors.New("unexpected method " + method)
		}
		req := &structpb.Struct{}
		if err := stream.RecvMsg(req); err != nil {
			return err
		}
		resp, err := handle(req)
		if err != nil {
			return err
		}
		return stream.SendMsg(resp)
	}))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cfg := DefaultGrpcClientConfig("passthrough:///bufnet")
	client, err := NewGrpcClient(cfg, nil, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("NewGrpcClient() error = %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestGrpcClientClassify(t *testing.T) {
	var gotImage string
	var gotVocab int
	client := startFakeServer(t, func(req *structpb.Struct) (*structpb.Struct, error) {
		gotImage = req.GetFields()["image_base64"].GetStringValue()
		gotVocab = len(req.GetFields()["vocabulary"].GetListValue().GetValues())
		return structpb.NewStruct(map[string]any{
			"main_guess": "cat",
			"reasoning":  "whiskers",
			"guesses": []any{
				map[string]any{"label": "cat", "confidence": 0.9},
				map[string]any{"label": "dog", "confidence": 0.1},
			},
		})
	})

	res, err := client.Classify(context.Background(), []byte("png"), []string{"cat", "dog", "tree"})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if gotImage != base64.StdEncoding.EncodeToString([]byte("png")) || gotVocab != 3 {
		t.Fatalf("server saw image=%q vocab=%d", gotImage, gotVocab)
	}
	label, conf := res.Top()
	if label != "cat" || conf != 0.9 || len(res.Guesses) != 2 {
		t.Fatalf("Top() = %q, %v; result %+v", label, conf, res)
	}
}

func TestGrpcClientRejectsEmptyResponse(t *testing.T) {
	client := startFakeServer(t, func(*structpb.Struct) (*structpb.Struct, error) {
		return &structpb.Struct{}, nil
	})
	_, err := client.Classify(context.Background(), nil, nil)
	if !errors.Is(err, errMalformedResponse) {
		t.Fatalf("Classify() error = %v, want malformed response", err)
	}
}

func TestResultTopFallsBackToHighestConfidence(t *testing.T) {
	r := &Result{Guesses: []Guess{{"dog", 0.2}, {"cat", 0.7}, {"tree", 0.1}}}
	if label, _ := r.Top(); label != "cat" {
		t.Fatalf("Top() = %q, want cat", label)
	}
	var nilResult *Result
	if label, _ := nilResult.Top(); label != "" {
		t.Fatalf("nil Top() = %q, want empty", label)
	}
}

type flakyClassifier struct {
	failures int
	calls    int
	err      error
}

func (f *flakyClassifier) Classify(context.Context, []byte, []string) (*Result, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return &Result{MainGuess: "cat"}, nil
}

func TestRetryingRecoversFromTransientFailures(t *testing.T) {
	inner := &flakyClassifier{failures: 2, err: errors.New("unavailable")}
	r := &Retrying{Inner: inner, Attempts: 3, BaseDelay: time.Millisecond}

	res, err := r.Classify(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if res.MainGuess != "cat" || inner.calls != 3 {
		t.Fatalf("result=%+v calls=%d", res, inner.calls)
	}
}

func TestRetryingGivesUpWithClassifierUnavailable(t *testing.T) {
	inner := &flakyClassifier{failures: 10, err: errors.New("unavailable")}
	r := &Retrying{Inner: inner, Attempts: 2, BaseDelay: time.Millisecond}

	_, err := r.Classify(context.Background(), nil, nil)
	if !errors.Is(err, domain.ErrClassifierUnavailable) {
		t.Fatalf("Classify() error = %v, want ClassifierUnavailable", err)
	}
	if inner.calls != 2 {
		t.Fatalf("calls = %d, want 2", inner.calls)
	}
}

func TestRetryingDoesNotRetryDisabled(t *testing.T) {
	r := NewRetrying(Disabled{}, time.Second)
	_, err := r.Classify(context.Background(), nil, nil)
	if !errors.Is(err, domain.ErrClassifierUnavailable) {
		t.Fatalf("Classify() error = %v, want ClassifierUnavailable", err)
	}
}
