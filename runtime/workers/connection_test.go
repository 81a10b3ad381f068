package workers

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"chat-relay/mocks"
)

func TestConnectionWorker_ForwardsFrames(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	relayMock := mocks.NewMockIRelay(ctrl)

	frames := make(chan []byte, 2)
	frames <- []byte(`{"msg_type":"chat","text":"one"}`)
	frames <- []byte(`{"msg_type":"chat","text":"two"}`)
	close(frames)

	relayMock.EXPECT().HandleFrame(gomock.Any(), "conn-1", []byte(`{"msg_type":"chat","text":"one"}`)).Times(1)
	relayMock.EXPECT().HandleFrame(gomock.Any(), "conn-1", []byte(`{"msg_type":"chat","text":"two"}`)).Times(1)
	relayMock.EXPECT().Disconnect(gomock.Any(), "conn-1").Times(1)

	worker := NewConnectionWorker(slog.Default(), relayMock, "conn-1", frames, time.Minute, nil)

	req.NoError(worker.Run(context.Background()))
}

func TestConnectionWorker_DisconnectsOnClosedFrameSource(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	relayMock := mocks.NewMockIRelay(ctrl)

	frames := make(chan []byte)
	close(frames)

	relayMock.EXPECT().Disconnect(gomock.Any(), "conn-1").Times(1)

	worker := NewConnectionWorker(slog.Default(), relayMock, "conn-1", frames, time.Minute, nil)

	req.NoError(worker.Run(context.Background()))
}

func TestConnectionWorker_ProbesOnTick(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	relayMock := mocks.NewMockIRelay(ctrl)

	frames := make(chan []byte)
	probed := make(chan struct{})

	relayMock.EXPECT().
		ProbeLiveness(gomock.Any(), "conn-1", gomock.Any()).
		DoAndReturn(func(ctx context.Context, id string, now time.Time) error {
			close(probed)
			return context.DeadlineExceeded
		}).
		Times(1)
	relayMock.EXPECT().Disconnect(gomock.Any(), "conn-1").Times(1)

	worker := NewConnectionWorker(slog.Default(), relayMock, "conn-1", frames, 20*time.Millisecond, nil)

	// A failed probe ends the loop without an error: the connection is
	// finished, not restartable.
	req.NoError(worker.Run(context.Background()))

	select {
	case <-probed:
	case <-time.After(time.Second):
		req.Fail("liveness probe never fired")
	}
}

func TestConnectionWorker_StopsOnContextCancel(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	relayMock := mocks.NewMockIRelay(ctrl)

	frames := make(chan []byte)
	relayMock.EXPECT().Disconnect(gomock.Any(), "conn-1").Times(1)

	worker := NewConnectionWorker(slog.Default(), relayMock, "conn-1", frames, time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		req.NoError(err)
	case <-time.After(time.Second):
		req.Fail("worker should have stopped on context cancel")
	}
}
