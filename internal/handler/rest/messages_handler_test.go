package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heraldlab/broadcast-delivery-service/internal/domain/hub"
	"github.com/heraldlab/broadcast-delivery-service/internal/domain/model"
)

type fakeDeliverer struct {
	readUser    string
	readID      int64
	readErr     error
	messages    []model.UserMessage
	messagesErr error
}

func (f *fakeDeliverer) Subscribe(context.Context, string, string, model.ConnectMetadata) (hub.Connector, error) {
	return nil, nil
}

func (f *fakeDeliverer) Disconnect(context.Context, string, string) error { return nil }

func (f *fakeDeliverer) MarkRead(_ context.Context, userID string, broadcastID int64) error {
	if f.readErr != nil {
		return f.readErr
	}
	f.readUser, f.readID = userID, broadcastID
	return nil
}

func (f *fakeDeliverer) Messages(_ context.Context, userID string) ([]model.UserMessage, error) {
	if f.messagesErr != nil {
		return nil, f.messagesErr
	}
	return f.messages, nil
}

func TestMarkReadAnswersNoContent(t *testing.T) {
	f := &fakeDeliverer{}
	srv := newTestRouter(t, &fakeBroadcaster{}, f, &fakeOperator{})

	rec := doRequest(srv, http.MethodPost, "/messages/read", `{"userId":"user-1","broadcastId":4}`)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "user-1", f.readUser)
	assert.Equal(t, int64(4), f.readID)
}

func TestMarkReadRejectsMalformedBody(t *testing.T) {
	srv := newTestRouter(t, &fakeBroadcaster{}, &fakeDeliverer{}, &fakeOperator{})

	rec := doRequest(srv, http.MethodPost, "/messages/read", `{"userId":`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	_, code := decodeError(t, rec)
	assert.Equal(t, "VALIDATION", code)
}

func TestMarkReadMapsServiceValidation(t *testing.T) {
	f := &fakeDeliverer{readErr: model.Validationf("broadcastId must be positive")}
	srv := newTestRouter(t, &fakeBroadcaster{}, f, &fakeOperator{})

	rec := doRequest(srv, http.MethodPost, "/messages/read", `{"userId":"user-1","broadcastId":0}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListMessagesAnswersInbox(t *testing.T) {
	f := &fakeDeliverer{messages: []model.UserMessage{
		{Broadcast: model.Broadcast{ID: 1, Content: "first"}, ReadStatus: model.ReadUnread},
	}}
	srv := newTestRouter(t, &fakeBroadcaster{}, f, &fakeOperator{})

	rec := doRequest(srv, http.MethodGet, "/messages?userId=user-1", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Items []model.UserMessage `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Items, 1)
	assert.Equal(t, "first", body.Items[0].Content)
}

func TestListMessagesEmptyInboxStaysArray(t *testing.T) {
	srv := newTestRouter(t, &fakeBroadcaster{}, &fakeDeliverer{}, &fakeOperator{})

	rec := doRequest(srv, http.MethodGet, "/messages?userId=user-1", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"items":[]}`, rec.Body.String())
}
