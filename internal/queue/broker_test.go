package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeliveryAckNack(t *testing.T) {
	t.Parallel()

	var acked, requeued bool
	d := NewDelivery([]byte(`{"runId":"r1"}`), true, "m1",
		func() error { acked = true; return nil },
		func(requeue bool) error { requeued = requeue; return nil })

	require.NoError(t, d.Ack())
	require.NoError(t, d.Nack(true))
	require.True(t, acked)
	require.True(t, requeued)
	require.True(t, d.Redelivered)

	var msg struct {
		RunID string `json:"runId"`
	}
	require.NoError(t, d.Decode(&msg))
	require.Equal(t, "r1", msg.RunID)
}

func TestDeliveryAckErrorWrapped(t *testing.T) {
	t.Parallel()

	d := NewDelivery(nil, false, "", func() error { return errors.New("channel closed") }, nil)
	require.ErrorContains(t, d.Ack(), "ack delivery: channel closed")
	require.NoError(t, d.Nack(false))
	require.Error(t, d.Decode(&struct{}{}))
}

func TestEncodePassesBytesThrough(t *testing.T) {
	t.Parallel()

	raw := []byte("raw")
	got, err := Encode(raw)
	require.NoError(t, err)
	require.Equal(t, raw, got)

	got, err = Encode(map[string]string{"a": "b"})
	require.NoError(t, err)
	require.JSONEq(t, `{"a":"b"}`, string(got))
}

type recordingBroker struct {
	Broker
	queue string
	opts  PublishOptions
	err   error
}

func (r *recordingBroker) Publish(_ context.Context, queue string, _ any, opts PublishOptions) error {
	r.queue = queue
	r.opts = opts
	return r.err
}

func TestPublisherSendsToQueue(t *testing.T) {
	t.Parallel()

	b := &recordingBroker{}
	p := NewPublisher(b, PublishOptions{Persistent: true})
	_, err := p.Publish(context.Background(), "lifecycle", map[string]string{"status": "started"})
	require.NoError(t, err)
	require.Equal(t, "lifecycle", b.queue)
	require.True(t, b.opts.Persistent)

	b.err = errors.New("down")
	_, err = p.Publish(context.Background(), "lifecycle", nil)
	require.ErrorContains(t, err, "send to queue lifecycle")
}
