package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heraldlab/broadcast-delivery-service/internal/dlq"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/model"
)

type fakeOperator struct {
	entries    []model.DltEntry
	total      int64
	gotLimit   int
	gotOffset  int
	redriven   []int64
	redriveErr error
	purged     []int64
	outcome    *dlq.BatchOutcome
}

func (f *fakeOperator) List(_ context.Context, limit, offset int) ([]model.DltEntry, int64, error) {
	f.gotLimit, f.gotOffset = limit, offset
	return f.entries, f.total, nil
}

func (f *fakeOperator) Redrive(_ context.Context, id int64) error {
	if f.redriveErr != nil {
		return f.redriveErr
	}
	f.redriven = append(f.redriven, id)
	return nil
}

func (f *fakeOperator) RedriveAll(context.Context) (*dlq.BatchOutcome, error) {
	return f.outcome, nil
}

func (f *fakeOperator) Purge(_ context.Context, id int64) error {
	f.purged = append(f.purged, id)
	return nil
}

func (f *fakeOperator) PurgeAll(context.Context) (*dlq.BatchOutcome, error) {
	return f.outcome, nil
}

func TestDltListAnswersPage(t *testing.T) {
	f := &fakeOperator{
		entries: []model.DltEntry{{ID: 3, OriginTopic: "broadcast.worker.pod-a.v1", Title: "DELIVER user-1", FailedAt: time.Now()}},
		total:   12,
	}
	srv := newTestRouter(t, &fakeBroadcaster{}, &fakeDeliverer{}, f)

	rec := doRequest(srv, http.MethodGet, "/dlt/messages?limit=5&offset=10", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, f.gotLimit)
	assert.Equal(t, 10, f.gotOffset)

	var page dltPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, int64(12), page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, int64(3), page.Items[0].ID)
}

func TestDltListEmptyBacklogStaysArray(t *testing.T) {
	srv := newTestRouter(t, &fakeBroadcaster{}, &fakeDeliverer{}, &fakeOperator{})

	rec := doRequest(srv, http.MethodGet, "/dlt/messages", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"items":[],"total":0}`, rec.Body.String())
}

func TestDltRedriveAnswersNoContent(t *testing.T) {
	f := &fakeOperator{}
	srv := newTestRouter(t, &fakeBroadcaster{}, &fakeDeliverer{}, f)

	rec := doRequest(srv, http.MethodPost, "/dlt/redrive/8", "")

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []int64{8}, f.redriven)
}

func TestDltRedriveMapsConcurrentConflict(t *testing.T) {
	f := &fakeOperator{redriveErr: model.ErrConflict}
	srv := newTestRouter(t, &fakeBroadcaster{}, &fakeDeliverer{}, f)

	rec := doRequest(srv, http.MethodPost, "/dlt/redrive/8", "")

	require.Equal(t, http.StatusConflict, rec.Code)
	_, code := decodeError(t, rec)
	assert.Equal(t, "CONFLICT", code)
}

func TestDltRedriveRejectsBadID(t *testing.T) {
	srv := newTestRouter(t, &fakeBroadcaster{}, &fakeDeliverer{}, &fakeOperator{})

	rec := doRequest(srv, http.MethodPost, "/dlt/redrive/zero", "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDltRedriveAllReportsOutcome(t *testing.T) {
	f := &fakeOperator{outcome: &dlq.BatchOutcome{
		Total:    3,
		Success:  2,
		Failure:  1,
		Failures: []dlq.EntryFailure{{ID: 9, Reason: "publish: broker unavailable"}},
	}}
	srv := newTestRouter(t, &fakeBroadcaster{}, &fakeDeliverer{}, f)

	rec := doRequest(srv, http.MethodPost, "/dlt/redrive-all", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var outcome dlq.BatchOutcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	assert.Equal(t, 3, outcome.Total)
	assert.Equal(t, 1, outcome.Failure)
	require.Len(t, outcome.Failures, 1)
	assert.Equal(t, int64(9), outcome.Failures[0].ID)
}

func TestDltPurgeAnswersNoContent(t *testing.T) {
	f := &fakeOperator{}
	srv := newTestRouter(t, &fakeBroadcaster{}, &fakeDeliverer{}, f)

	rec := doRequest(srv, http.MethodDelete, "/dlt/purge/5", "")

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []int64{5}, f.purged)
}

func TestDltPurgeAllReportsOutcome(t *testing.T) {
	f := &fakeOperator{outcome: &dlq.BatchOutcome{Total: 4, Success: 4}}
	srv := newTestRouter(t, &fakeBroadcaster{}, &fakeDeliverer{}, f)

	rec := doRequest(srv, http.MethodDelete, "/dlt/purge-all", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var outcome dlq.BatchOutcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	assert.Equal(t, 4, outcome.Success)
}
