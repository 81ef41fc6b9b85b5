package commandbus

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestBus(t *testing.T) *Bus {
	t.Helper()
	bus, err := Open(filepath.Join(t.TempDir(), "commands.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })
	return bus
}

func TestOpen_CreatesSchemaAndIsReusable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commands.db")
	bus, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, bus.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	history, err := reopened.History(context.Background(), "spec-1")
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestSubmitAndHistory_RoundTripsInOrder(t *testing.T) {
	bus := openTestBus(t)
	ctx := context.Background()

	require.NoError(t, bus.Submit(ctx, Command{SpecID: "spec-1", Kind: CommandPause, Actor: "operator"}))
	require.NoError(t, bus.Submit(ctx, Command{SpecID: "spec-1", Kind: CommandRequeue, Actor: "operator"}))
	require.NoError(t, bus.Submit(ctx, Command{SpecID: "spec-2", Kind: CommandStop, Actor: "operator"}))

	history, err := bus.History(ctx, "spec-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, CommandPause, history[0].Kind)
	require.Equal(t, CommandRequeue, history[1].Kind)
}

func TestSubmit_DoesNotBlockWithoutSubscriber(t *testing.T) {
	bus := openTestBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := bus.Submit(ctx, Command{SpecID: "spec-1", Kind: CommandStop, Actor: "operator"})
	require.NoError(t, err)
}

func TestSubscribe_DeliversSubmittedCommand(t *testing.T) {
	bus := openTestBus(t)
	ch := bus.Subscribe("spec-1")

	require.NoError(t, bus.Submit(context.Background(), Command{SpecID: "spec-1", Kind: CommandPause, Actor: "operator"}))

	select {
	case cmd := <-ch:
		require.Equal(t, CommandPause, cmd.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivered command")
	}
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	bus := openTestBus(t)
	ch := bus.Subscribe("spec-1")
	bus.Unsubscribe("spec-1")

	_, open := <-ch
	require.False(t, open)
}

func TestSubscribe_ReturnsSameChannelForRepeatedCalls(t *testing.T) {
	bus := openTestBus(t)
	a := bus.Subscribe("spec-1")
	b := bus.Subscribe("spec-1")
	require.True(t, a == b)
}
