package log

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const (
	metadataKeyRequestID = "x-request-id"
	healthServicePrefix  = "/grpc.health.v1.Health/"
)

// UnaryServerInterceptor injects a request-scoped logger and logs each call
// at a level derived from its status code. Health probes log at trace.
func UnaryServerInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		child := callLogger(ctx, logger, info.FullMethod)

		resp, err := handler(WithLogger(ctx, child), req)

		logCall(child, info.FullMethod, err, start).Msg("unary call completed")
		return resp, err
	}
}

// StreamServerInterceptor is the streaming counterpart of
// UnaryServerInterceptor. Health Watch streams go through here.
func StreamServerInterceptor(logger zerolog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		start := time.Now()
		ctx := ss.Context()
		child := callLogger(ctx, logger, info.FullMethod)

		err := handler(srv, &wrappedStream{ServerStream: ss, ctx: WithLogger(ctx, child)})

		logCall(child, info.FullMethod, err, start).Msg("stream call completed")
		return err
	}
}

func callLogger(ctx context.Context, logger zerolog.Logger, method string) zerolog.Logger {
	lc := logger.With().
		Str(FieldRequestID, requestIDFromMD(ctx)).
		Str(FieldGRPCMethod, method)
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		lc = lc.Str(FieldClientIP, p.Addr.String())
	}
	return lc.Logger()
}

func logCall(l zerolog.Logger, method string, err error, start time.Time) *zerolog.Event {
	code := status.Code(err)

	var evt *zerolog.Event
	switch code {
	case codes.OK, codes.Canceled:
		evt = l.Debug()
		if strings.HasPrefix(method, healthServicePrefix) {
			evt = l.Trace()
		}
	case codes.Internal, codes.Unknown, codes.DataLoss, codes.Unavailable, codes.DeadlineExceeded:
		evt = l.Warn()
	default:
		evt = l.Info()
	}
	return evt.
		Str(FieldGRPCCode, code.String()).
		Float64(FieldLatency, float64(time.Since(start).Milliseconds())).
		Err(err)
}

// wrappedStream carries the request-scoped logger in its context.
type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context {
	return w.ctx
}

func requestIDFromMD(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(metadataKeyRequestID); len(vals) > 0 && vals[0] != "" {
			return vals[0]
		}
	}
	return uuid.New().String()
}
