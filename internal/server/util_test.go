package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/eroshiva/rateable/internal/ratings"
	"github.com/eroshiva/rateable/pkg/store"
	"github.com/eroshiva/rateable/pkg/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{&ratings.Error{Kind: ratings.KindNotFound}, codes.NotFound},
		{&ratings.Error{Kind: ratings.KindInvalidArgument}, codes.InvalidArgument},
		{&ratings.Error{Kind: ratings.KindDataIntegrity}, codes.DataLoss},
		{&ratings.Error{Kind: ratings.KindConflict}, codes.Aborted},
		{&ratings.Error{Kind: ratings.KindStoreUnavailable}, codes.Unavailable},
		{fmt.Errorf("lookup: %w", store.ErrNotFound), codes.NotFound},
		{store.ErrInvalidEntity, codes.InvalidArgument},
		{errors.New("connection reset"), codes.Unavailable},
		{status.Error(codes.PermissionDenied, "nope"), codes.PermissionDenied},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.code, CodeOf(tc.err), "%v", tc.err)
	}
}

func TestPropertiesFromStruct(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{"pages": 12, "score": 0.5, "title": "Report", "draft": true})
	require.NoError(t, err)
	props, err := propertiesFromStruct(s)
	require.NoError(t, err)
	assert.Equal(t, store.Properties{"pages": int64(12), "score": 0.5, "title": "Report", "draft": true}, props)

	s, err = structpb.NewStruct(map[string]any{"tags": []any{"a"}})
	require.NoError(t, err)
	_, err = propertiesFromStruct(s)
	assert.Error(t, err)

	// a missing properties object is empty
	props, err = propertiesFromStruct(nil)
	require.NoError(t, err)
	assert.Empty(t, props)
}

func TestStringField(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{"str": "3", "int": 3, "frac": 2.5, "flag": false})
	require.NoError(t, err)
	assert.Equal(t, "3", stringField(s, "str"))
	assert.Equal(t, "3", stringField(s, "int"))
	assert.Equal(t, "2.5", stringField(s, "frac"))
	assert.Equal(t, "false", stringField(s, "flag"))
	assert.Empty(t, stringField(s, "missing"))
}

func TestHandlerWithoutCache(t *testing.T) {
	s := memory.New()
	t.Cleanup(func() { _ = s.Close() })
	aggregator := ratings.NewAggregator(s)
	aggregator.Register("")
	h, err := NewHandler(Options{Store: s, Gateway: ratings.NewGateway(s), Aggregator: aggregator})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/entities", strings.NewReader(`{"kind":"document","name":"a.txt"}`))
	req.Header.Set(HeaderNameActor, "alice")
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(headerNameTraceID))

	body := &structpb.Struct{}
	require.NoError(t, newServer(Options{}).marshaler.Unmarshal(rec.Body.Bytes(), body))
	ref := stringField(body, "ref")
	assert.Equal(t, "alice", stringField(body, "modifiedBy"))

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/entities/"+ref+"/ratings", strings.NewReader(`{"rating":4}`))
	req.Header.Set(HeaderNameActor, "bob")
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.NoError(t, newServer(Options{}).marshaler.Unmarshal(rec.Body.Bytes(), body))
	// the rater falls back to the acting identity
	assert.Equal(t, "bob", stringField(body, "rater"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/entities/"+ref+"/rating?rater=bob", http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, newServer(Options{}).marshaler.Unmarshal(rec.Body.Bytes(), body))
	assert.Equal(t, "4", stringField(body, "average"))
	assert.Equal(t, "4", stringField(body, "user"))

	// no metrics collectors, no endpoint
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/entities", strings.NewReader(`{not json`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
