package push

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePubSub struct {
	published  map[string][][]byte
	handlers   map[string]func([]byte)
	unsubs     map[string]int
	publishErr error
	subErr     error
}

func newFakePubSub() *fakePubSub {
	return &fakePubSub{
		published: make(map[string][][]byte),
		handlers:  make(map[string]func([]byte)),
		unsubs:    make(map[string]int),
	}
}

func (f *fakePubSub) Publish(ctx context.Context, channel string, message []byte) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published[channel] = append(f.published[channel], message)
	return nil
}

func (f *fakePubSub) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	if f.subErr != nil {
		return nil, f.subErr
	}
	f.handlers[channel] = handler
	return func() { f.unsubs[channel]++ }, nil
}

func TestTopic(t *testing.T) {
	assert.Equal(t, "user_queue_7", Topic(7))
	assert.Equal(t, "user_queue_1234567", Topic(1234567))
}

func TestPublishRoomAssignment_WireFormat(t *testing.T) {
	ps := newFakePubSub()
	bus := NewBus(ps)

	require.NoError(t, bus.PublishRoomAssignment(context.Background(), 7, 42))

	msgs := ps.published["user_queue_7"]
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"type":"send_room_id","room_id":42}`, string(msgs[0]))
}

func TestPublishRoomAssignment_Error(t *testing.T) {
	ps := newFakePubSub()
	cause := errors.New("broken pipe")
	ps.publishErr = cause

	err := NewBus(ps).PublishRoomAssignment(context.Background(), 7, 42)
	assert.ErrorIs(t, err, cause)
}

func TestSubscribeUser_DeliversDecodedAssignments(t *testing.T) {
	ps := newFakePubSub()
	bus := NewBus(ps)

	var got []RoomAssignment
	unsub, err := bus.SubscribeUser(context.Background(), 9, func(a RoomAssignment) {
		got = append(got, a)
	})
	require.NoError(t, err)

	handler := ps.handlers["user_queue_9"]
	require.NotNil(t, handler)
	handler([]byte(`{"type":"send_room_id","room_id":5}`))
	handler([]byte(`not json`)) // dropped, must not reach the handler
	handler([]byte(`{"type":"send_room_id","room_id":6}`))

	require.Len(t, got, 2)
	assert.Equal(t, RoomAssignment{Type: TypeSendRoomID, RoomID: 5}, got[0])
	assert.Equal(t, int64(6), got[1].RoomID)

	unsub()
	assert.Equal(t, 1, ps.unsubs["user_queue_9"])
}

func TestSubscribeUser_Error(t *testing.T) {
	ps := newFakePubSub()
	ps.subErr = errors.New("subscribe refused")

	_, err := NewBus(ps).SubscribeUser(context.Background(), 9, func(RoomAssignment) {})
	assert.Error(t, err)
}
