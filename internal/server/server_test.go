// Package server_test contains unit/integration tests for the rating service.
package server_test

import (
	"context"
	"io"
	"net/http"
	"os"
	"sync"
	"testing"

	"github.com/eroshiva/rateable/internal/server"
	"github.com/eroshiva/rateable/pkg/client"
	"github.com/eroshiva/rateable/pkg/rabbitmq"
	prs_testing "github.com/eroshiva/rateable/pkg/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	grpcTestAddress = "localhost:50071"
	httpTestAddress = "localhost:50072"

	documentKind = "document"
	documentName = "whitepaper.pdf"
	rater1       = "alice"
	rater2       = "bob"
	rater3       = "carol"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []rabbitmq.RatingEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev rabbitmq.RatingEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) forParent(parent string) []rabbitmq.RatingEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []rabbitmq.RatingEvent
	for _, ev := range p.events {
		if ev.Parent == parent {
			out = append(out, ev)
		}
	}
	return out
}

var (
	env       *prs_testing.Env
	apiClient *client.Client
	publisher = &recordingPublisher{}
)

func TestMain(m *testing.M) {
	var err error
	env, err = prs_testing.SetupFull(grpcTestAddress, httpTestAddress, publisher)
	if err != nil {
		panic(err)
	}
	apiClient = env.Client.WithActor("admin")

	// running tests
	code := m.Run()

	// all tests were run, stopping servers gracefully
	prs_testing.TeardownFull(env)
	os.Exit(code)
}

func newContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), prs_testing.DefaultTestTimeout)
	t.Cleanup(cancel)
	return ctx
}

func createDocument(ctx context.Context, t *testing.T) *client.Entity {
	t.Helper()
	doc, err := apiClient.CreateEntity(ctx, documentKind, documentName, map[string]any{"title": "Whitepaper", "pages": 12})
	require.NoError(t, err)
	require.NotNil(t, doc)
	t.Cleanup(func() {
		// cleaning up the document at the end of the test
		_ = apiClient.DeleteEntity(context.Background(), doc.Ref)
	})
	return doc
}

func requireAPIError(t *testing.T, err error, status int, code codes.Code) {
	t.Helper()
	require.Error(t, err)
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, status, apiErr.StatusCode)
	assert.Equal(t, int(code), apiErr.Code)
}

func TestEntityLifecycle(t *testing.T) {
	ctx := newContext(t)

	doc := createDocument(ctx, t)
	assert.Equal(t, documentKind, doc.Kind)
	assert.Equal(t, documentName, doc.Name)
	assert.Equal(t, "admin", doc.ModifiedBy)
	assert.Empty(t, doc.Capabilities)
	assert.Equal(t, int64(1), doc.Version)

	// retrieving the document back by its reference, the snapshot is served from cache
	got, err := apiClient.GetEntity(ctx, doc.Ref)
	require.NoError(t, err)
	assert.Equal(t, doc.Ref, got.Ref)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, "Whitepaper", got.Properties["title"])
	assert.EqualValues(t, 12, got.Properties["pages"])

	require.NoError(t, apiClient.DeleteEntity(ctx, doc.Ref))
	_, err = apiClient.GetEntity(ctx, doc.Ref)
	requireAPIError(t, err, http.StatusNotFound, codes.NotFound)
}

func TestCreateEntityValidation(t *testing.T) {
	ctx := newContext(t)
	_, err := apiClient.CreateEntity(ctx, documentKind, "", nil)
	requireAPIError(t, err, http.StatusBadRequest, codes.InvalidArgument)

	// aggregate properties belong to the aggregator
	for _, name := range []string{"averageRating", "totalRating", "ratingCount"} {
		_, err = apiClient.CreateEntity(ctx, documentKind, documentName, map[string]any{name: 4.9, "title": "Fake"})
		requireAPIError(t, err, http.StatusBadRequest, codes.InvalidArgument)
	}
}

func TestRatingFlow(t *testing.T) {
	ctx := newContext(t)
	doc := createDocument(ctx, t)

	// first rating makes the document rateable
	r1, err := apiClient.SubmitRating(ctx, doc.Ref, "1", rater1)
	require.NoError(t, err)
	assert.Equal(t, doc.Ref, r1.Parent)
	assert.Equal(t, int64(1), r1.Value)
	assert.Equal(t, rater1, r1.Rater)
	assert.NotEmpty(t, r1.Rating)

	got, err := apiClient.GetEntity(ctx, doc.Ref)
	require.NoError(t, err)
	assert.Equal(t, []string{"rateable"}, got.Capabilities)
	assert.Equal(t, "system", got.ModifiedBy)

	summary, err := apiClient.GetRating(ctx, doc.Ref, rater1)
	require.NoError(t, err)
	assert.Equal(t, client.Summary{Parent: doc.Ref, Rateable: true, Average: 1, Total: 1, Count: 1, User: 1}, *summary)

	r2, err := apiClient.SubmitRating(ctx, doc.Ref, "2", rater2)
	require.NoError(t, err)
	summary, err = apiClient.GetRating(ctx, doc.Ref, rater1)
	require.NoError(t, err)
	assert.Equal(t, 1.5, summary.Average)
	assert.Equal(t, int64(3), summary.Total)
	assert.Equal(t, int64(2), summary.Count)

	_, err = apiClient.SubmitRating(ctx, doc.Ref, "3", rater3)
	require.NoError(t, err)
	summary, err = apiClient.GetRating(ctx, doc.Ref, rater3)
	require.NoError(t, err)
	assert.Equal(t, client.Summary{Parent: doc.Ref, Rateable: true, Average: 2, Total: 6, Count: 3, User: 3}, *summary)

	// removing the rating of 2 leaves {1, 3}
	removed, err := apiClient.DeleteRating(ctx, r2.Rating)
	require.NoError(t, err)
	assert.Equal(t, client.Rating{Parent: doc.Ref, Rating: r2.Rating, Value: 2, Rater: rater2}, *removed)
	summary, err = apiClient.GetRating(ctx, doc.Ref, rater2)
	require.NoError(t, err)
	assert.Equal(t, client.Summary{Parent: doc.Ref, Rateable: true, Average: 2, Total: 4, Count: 2, User: 0}, *summary)

	events := publisher.forParent(doc.Ref)
	require.Len(t, events, 4)
	assert.Equal(t, rabbitmq.ActionSubmitted, events[0].Action)
	assert.Equal(t, rabbitmq.ActionDeleted, events[3].Action)
	assert.Equal(t, r2.Rating, events[3].Rating)
}

func TestSubmitRatingValidation(t *testing.T) {
	ctx := newContext(t)
	doc := createDocument(ctx, t)

	for _, rating := range []string{"0", "", "abc", "2.5", "6"} {
		_, err := apiClient.SubmitRating(ctx, doc.Ref, rating, rater1)
		requireAPIError(t, err, http.StatusBadRequest, codes.InvalidArgument)
	}
	_, err := apiClient.SubmitRating(ctx, "no-such-document", "3", rater1)
	requireAPIError(t, err, http.StatusNotFound, codes.NotFound)

	// nothing was recorded for the document
	summary, err := apiClient.GetRating(ctx, doc.Ref, "")
	require.NoError(t, err)
	assert.False(t, summary.Rateable)
	assert.Empty(t, publisher.forParent(doc.Ref))
}

func TestDeleteRatingRejectsOtherEntities(t *testing.T) {
	ctx := newContext(t)
	doc := createDocument(ctx, t)

	_, err := apiClient.DeleteRating(ctx, doc.Ref)
	requireAPIError(t, err, http.StatusBadRequest, codes.InvalidArgument)
	_, err = apiClient.DeleteRating(ctx, "no-such-rating")
	requireAPIError(t, err, http.StatusNotFound, codes.NotFound)
}

func TestDeleteAllRatings(t *testing.T) {
	ctx := newContext(t)
	doc := createDocument(ctx, t)
	for _, r := range []string{"5", "4"} {
		_, err := apiClient.SubmitRating(ctx, doc.Ref, r, rater1)
		require.NoError(t, err)
	}
	// warming the cache
	summary, err := apiClient.GetRating(ctx, doc.Ref, rater1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.Count)

	removed, err := apiClient.DeleteRatings(ctx, doc.Ref)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	summary, err = apiClient.GetRating(ctx, doc.Ref, rater1)
	require.NoError(t, err)
	assert.Equal(t, client.Summary{Parent: doc.Ref, Rateable: true}, *summary)
}

func TestRecompute(t *testing.T) {
	ctx := newContext(t)
	doc := createDocument(ctx, t)

	summary, err := apiClient.Recompute(ctx, doc.Ref)
	require.NoError(t, err)
	assert.False(t, summary.Rateable)

	_, err = apiClient.SubmitRating(ctx, doc.Ref, "4", rater1)
	require.NoError(t, err)
	summary, err = apiClient.Recompute(ctx, doc.Ref)
	require.NoError(t, err)
	assert.Equal(t, client.Summary{Parent: doc.Ref, Rateable: true, Average: 4, Total: 4, Count: 1}, *summary)
}

func TestCacheServesRepeatedReads(t *testing.T) {
	ctx := newContext(t)
	doc := createDocument(ctx, t)

	hitsBefore, _ := env.Cache.Stats()
	for i := 0; i < 3; i++ {
		_, err := apiClient.GetEntity(ctx, doc.Ref)
		require.NoError(t, err)
	}
	hitsAfter, _ := env.Cache.Stats()
	assert.GreaterOrEqual(t, hitsAfter-hitsBefore, int64(3))
}

func TestHealth(t *testing.T) {
	ctx := newContext(t)
	require.NoError(t, apiClient.Healthz(ctx))

	conn, err := grpc.NewClient(grpcTestAddress, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: server.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestMetricsAndTraceID(t *testing.T) {
	ctx := newContext(t)
	doc := createDocument(ctx, t)
	_, err := apiClient.SubmitRating(ctx, doc.Ref, "5", rater1)
	require.NoError(t, err)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+httpTestAddress+"/metrics", http.NoBody)
	require.NoError(t, err)
	req.Header.Set("X-Trace-Id", "trace-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "trace-123", resp.Header.Get("X-Trace-Id"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "rateable_submissions_total")
	assert.Contains(t, string(body), "rateable_recomputations_total")
}

func TestDeletedRatingIsNotServedFromCache(t *testing.T) {
	ctx := newContext(t)
	doc := createDocument(ctx, t)
	r, err := apiClient.SubmitRating(ctx, doc.Ref, "3", rater1)
	require.NoError(t, err)

	// warming the cache with the rating child
	child, err := apiClient.GetEntity(ctx, r.Rating)
	require.NoError(t, err)
	assert.Equal(t, doc.Ref, child.Parent)

	_, err = apiClient.DeleteRating(ctx, r.Rating)
	require.NoError(t, err)
	_, err = apiClient.GetEntity(ctx, r.Rating)
	requireAPIError(t, err, http.StatusNotFound, codes.NotFound)
}

func TestDeletedParentChildrenAreNotServedFromCache(t *testing.T) {
	ctx := newContext(t)
	doc := createDocument(ctx, t)
	var ratingRefs []string
	for _, v := range []string{"2", "5"} {
		r, err := apiClient.SubmitRating(ctx, doc.Ref, v, rater1)
		require.NoError(t, err)
		ratingRefs = append(ratingRefs, r.Rating)
		_, err = apiClient.GetEntity(ctx, r.Rating)
		require.NoError(t, err)
	}
	_, err := apiClient.GetEntity(ctx, doc.Ref)
	require.NoError(t, err)

	require.NoError(t, apiClient.DeleteEntity(ctx, doc.Ref))
	_, err = apiClient.GetEntity(ctx, doc.Ref)
	requireAPIError(t, err, http.StatusNotFound, codes.NotFound)
	for _, ref := range ratingRefs {
		_, err = apiClient.GetEntity(ctx, ref)
		requireAPIError(t, err, http.StatusNotFound, codes.NotFound)
	}
}
