package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/eroshiva/rateable/internal/ratings"
	"github.com/eroshiva/rateable/pkg/store"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/xid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

const (
	headerNameTraceID = "X-Trace-Id"
	// HeaderNameActor carries the identity mutations are performed as.
	HeaderNameActor = "X-Actor-Id"
	anonymousActor  = "anonymous"
)

type traceIDKey struct{}

// traceID makes sure every request and its response carry a trace ID.
func traceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerNameTraceID)
		if id == "" {
			id = xid.New().String()
		}
		w.Header().Set(headerNameTraceID, id)
		ctx := context.WithValue(r.Context(), traceIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func traceIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey{}).(string)
	return id
}

// actorFrom returns the identity a request acts as.
func actorFrom(r *http.Request) store.Actor {
	id := strings.TrimSpace(r.Header.Get(HeaderNameActor))
	if id == "" {
		id = anonymousActor
	}
	return store.Actor{ID: id}
}

// CodeOf maps an error of the rating core onto a gRPC status code.
func CodeOf(err error) codes.Code {
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}
	switch ratings.KindOf(err) {
	case ratings.KindNotFound:
		return codes.NotFound
	case ratings.KindInvalidArgument:
		return codes.InvalidArgument
	case ratings.KindDataIntegrity:
		return codes.DataLoss
	case ratings.KindConflict:
		return codes.Aborted
	case ratings.KindStoreUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// toStatus converts err into a status error, so the gateway writes it with the matching HTTP
// status code.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(CodeOf(err), err.Error())
}

func (srv *server) writeError(ctx context.Context, mux *runtime.ServeMux, w http.ResponseWriter, r *http.Request, err error) {
	err = toStatus(err)
	zlog.Error().Err(err).Str("trace_id", traceIDFrom(ctx)).Msgf("%s %s failed", r.Method, r.URL.Path)
	runtime.HTTPError(ctx, mux, srv.marshaler, w, r, err)
}

func (srv *server) writeMessage(w http.ResponseWriter, code int, msg proto.Message) {
	buf, err := srv.marshaler.Marshal(msg)
	if err != nil {
		zlog.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", srv.marshaler.ContentType(msg))
	w.WriteHeader(code)
	if _, err = w.Write(buf); err != nil {
		zlog.Error().Err(err).Msg("Failed to write response")
	}
}
