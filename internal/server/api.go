package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/eroshiva/rateable/internal/ratings"
	"github.com/eroshiva/rateable/pkg/rabbitmq"
	"github.com/eroshiva/rateable/pkg/store"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type route struct {
	method  string
	pattern string
	handler func(*runtime.ServeMux) runtime.HandlerFunc
}

func (srv *server) routes() []route {
	return []route{
		{http.MethodPost, "/v1/entities", srv.createEntity},
		{http.MethodGet, "/v1/entities/{ref}", srv.getEntity},
		{http.MethodDelete, "/v1/entities/{ref}", srv.deleteEntity},
		{http.MethodPost, "/v1/entities/{ref}/ratings", srv.submitRating},
		{http.MethodDelete, "/v1/entities/{ref}/ratings", srv.deleteRatings},
		{http.MethodGet, "/v1/entities/{ref}/rating", srv.getRating},
		{http.MethodPost, "/v1/entities/{ref}/recompute", srv.recompute},
		{http.MethodDelete, "/v1/ratings/{ref}", srv.deleteRating},
	}
}

func (srv *server) registerRoutes(mux *runtime.ServeMux) error {
	for _, rt := range srv.routes() {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.handler(mux)); err != nil {
			return err
		}
	}
	if srv.Metrics != nil {
		metricsHandler := srv.Metrics.Handler()
		return mux.HandlePath(http.MethodGet, "/metrics", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			metricsHandler.ServeHTTP(w, r)
		})
	}
	return nil
}

// decode reads the JSON body of r into a struct.
func (srv *server) decode(r *http.Request) (*structpb.Struct, error) {
	req := &structpb.Struct{}
	if err := srv.marshaler.NewDecoder(r.Body).Decode(req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed request body: %v", err)
	}
	return req, nil
}

func refParam(pathParams map[string]string) (store.Ref, error) {
	ref := strings.TrimSpace(pathParams["ref"])
	if ref == "" {
		return "", status.Error(codes.InvalidArgument, "reference is not specified")
	}
	return store.Ref(ref), nil
}

// publish sends ev when publishing is enabled. The mutation is already committed, so failures
// are only logged.
func (srv *server) publish(ctx context.Context, action rabbitmq.Action, s *ratings.Submission) {
	if srv.Publisher == nil {
		return
	}
	if err := srv.Publisher.Publish(ctx, ComposeEvent(action, s)); err != nil {
		zlog.Error().Err(err).Str("trace_id", traceIDFrom(ctx)).Msgf("Failed to publish %s event for (%s)", action, s.Parent)
	}
}

// createEntity creates a root entity that ratings can later be submitted to.
func (srv *server) createEntity(mux *runtime.ServeMux) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		ctx := r.Context()
		req, err := srv.decode(r)
		if err != nil {
			srv.writeError(ctx, mux, w, r, err)
			return
		}
		props, err := propertiesFromStruct(req.GetFields()["properties"].GetStructValue())
		if err != nil {
			srv.writeError(ctx, mux, w, r, status.Error(codes.InvalidArgument, err.Error()))
			return
		}
		kind, name := stringField(req, "kind"), stringField(req, "name")
		zlog.Info().Msgf("Creating %s %s", kind, name)

		e, err := store.CreateEntity(ctx, srv.Store, actorFrom(r), kind, name, props)
		if err != nil {
			srv.writeError(ctx, mux, w, r, err)
			return
		}
		srv.Cache.SetEntity(e)
		resp, err := EntityToStruct(e)
		if err != nil {
			srv.writeError(ctx, mux, w, r, status.Error(codes.Internal, err.Error()))
			return
		}
		srv.writeMessage(w, http.StatusCreated, resp)
	}
}

func (srv *server) getEntity(mux *runtime.ServeMux) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		ctx := r.Context()
		ref, err := refParam(pathParams)
		if err != nil {
			srv.writeError(ctx, mux, w, r, err)
			return
		}
		zlog.Info().Msgf("Retrieving entity (%s)", ref)

		// checking cache first
		e, ok := srv.Cache.GetEntity(ref)
		if ok {
			zlog.Debug().Msgf("Entity (%s) found in cache", ref)
		} else {
			e, err = store.GetEntity(ctx, srv.Store, ref)
			if err != nil {
				srv.writeError(ctx, mux, w, r, err)
				return
			}
			srv.Cache.SetEntity(e)
		}
		resp, err := EntityToStruct(e)
		if err != nil {
			srv.writeError(ctx, mux, w, r, status.Error(codes.Internal, err.Error()))
			return
		}
		srv.writeMessage(w, http.StatusOK, resp)
	}
}

func (srv *server) deleteEntity(mux *runtime.ServeMux) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		ctx := r.Context()
		ref, err := refParam(pathParams)
		if err != nil {
			srv.writeError(ctx, mux, w, r, err)
			return
		}
		zlog.Info().Msgf("Deleting entity (%s)", ref)

		// the parent aggregate is recomputed by the commit when ref is a rating
		var parent store.Ref
		if e, err := store.GetEntity(ctx, srv.Store, ref); err == nil {
			parent = e.Parent
		}
		subtree, err := store.Subtree(ctx, srv.Store, ref)
		if err != nil {
			subtree = []store.Ref{ref}
		}
		if err = store.DeleteEntity(ctx, srv.Store, actorFrom(r), ref); err != nil {
			srv.writeError(ctx, mux, w, r, err)
			return
		}
		if parent != "" {
			subtree = append(subtree, parent)
		}
		srv.Cache.Invalidate(subtree...)
		w.WriteHeader(http.StatusNoContent)
	}
}

// submitRating accepts {"rating": "3", "rater": "alice"}; the rating may also be a JSON number.
func (srv *server) submitRating(mux *runtime.ServeMux) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		ctx := r.Context()
		ref, err := refParam(pathParams)
		if err != nil {
			srv.writeError(ctx, mux, w, r, err)
			return
		}
		req, err := srv.decode(r)
		if err != nil {
			srv.writeError(ctx, mux, w, r, err)
			return
		}
		rater := stringField(req, "rater")
		if rater == "" {
			rater = r.Header.Get(HeaderNameActor)
		}
		zlog.Info().Msgf("Submitting rating for (%s)", ref)

		sub, err := srv.Gateway.Submit(ctx, ref, stringField(req, "rating"), rater)
		if err != nil {
			srv.writeError(ctx, mux, w, r, err)
			return
		}
		srv.Cache.Invalidate(sub.Parent)
		srv.publish(ctx, rabbitmq.ActionSubmitted, sub)

		resp, err := SubmissionToStruct(sub)
		if err != nil {
			srv.writeError(ctx, mux, w, r, status.Error(codes.Internal, err.Error()))
			return
		}
		srv.writeMessage(w, http.StatusCreated, resp)
	}
}

func (srv *server) getRating(mux *runtime.ServeMux) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		ctx := r.Context()
		ref, err := refParam(pathParams)
		if err != nil {
			srv.writeError(ctx, mux, w, r, err)
			return
		}
		rater := strings.TrimSpace(r.URL.Query().Get("rater"))

		summary, ok := srv.Cache.GetSummary(ref, rater)
		if ok {
			zlog.Debug().Msgf("Rating summary of (%s) found in cache", ref)
		} else {
			summary, err = srv.Gateway.Rating(ctx, ref, rater)
			if err != nil {
				srv.writeError(ctx, mux, w, r, err)
				return
			}
			srv.Cache.SetSummary(ref, rater, summary)
		}
		resp, err := SummaryToStruct(summary)
		if err != nil {
			srv.writeError(ctx, mux, w, r, status.Error(codes.Internal, err.Error()))
			return
		}
		srv.writeMessage(w, http.StatusOK, resp)
	}
}

func (srv *server) deleteRatings(mux *runtime.ServeMux) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		ctx := r.Context()
		ref, err := refParam(pathParams)
		if err != nil {
			srv.writeError(ctx, mux, w, r, err)
			return
		}
		zlog.Info().Msgf("Deleting all ratings of (%s)", ref)

		removed, err := srv.Gateway.DeleteAll(ctx, actorFrom(r), ref)
		if err != nil {
			srv.writeError(ctx, mux, w, r, err)
			return
		}
		srv.Cache.Invalidate(ref)
		if removed > 0 {
			srv.publish(ctx, rabbitmq.ActionCleared, &ratings.Submission{Parent: ref})
		}

		resp, err := structpb.NewStruct(map[string]any{"parent": ref.String(), "removed": removed})
		if err != nil {
			srv.writeError(ctx, mux, w, r, status.Error(codes.Internal, err.Error()))
			return
		}
		srv.writeMessage(w, http.StatusOK, resp)
	}
}

func (srv *server) deleteRating(mux *runtime.ServeMux) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		ctx := r.Context()
		ref, err := refParam(pathParams)
		if err != nil {
			srv.writeError(ctx, mux, w, r, err)
			return
		}
		zlog.Info().Msgf("Deleting rating (%s)", ref)

		removed, err := srv.Gateway.Delete(ctx, actorFrom(r), ref)
		if err != nil {
			srv.writeError(ctx, mux, w, r, err)
			return
		}
		srv.Cache.Invalidate(removed.Parent, removed.Child)
		srv.publish(ctx, rabbitmq.ActionDeleted, removed)

		resp, err := SubmissionToStruct(removed)
		if err != nil {
			srv.writeError(ctx, mux, w, r, status.Error(codes.Internal, err.Error()))
			return
		}
		srv.writeMessage(w, http.StatusOK, resp)
	}
}

// recompute rebuilds the aggregate of a parent from its rating children.
func (srv *server) recompute(mux *runtime.ServeMux) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		ctx := r.Context()
		ref, err := refParam(pathParams)
		if err != nil {
			srv.writeError(ctx, mux, w, r, err)
			return
		}
		zlog.Info().Msgf("Recomputing aggregate of (%s)", ref)

		agg, err := srv.Aggregator.Recompute(ctx, ref)
		if err != nil {
			srv.writeError(ctx, mux, w, r, err)
			return
		}
		srv.Cache.Invalidate(ref)

		resp, err := AggregateToStruct(ref, agg)
		if err != nil {
			srv.writeError(ctx, mux, w, r, status.Error(codes.Internal, err.Error()))
			return
		}
		srv.writeMessage(w, http.StatusOK, resp)
	}
}
