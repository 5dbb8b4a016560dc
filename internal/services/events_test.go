package services_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/imbrick/attributes-login-access/internal/models"
	"github.com/imbrick/attributes-login-access/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSecurityEvent(t *testing.T) {
	ev := services.NewSecurityEvent(models.EventTypeIPBlocked, "", "192.0.2.1", nil, t0)

	assert.Nil(t, ev.Username)
	require.NotNil(t, ev.IPAddress)
	assert.Equal(t, "192.0.2.1", *ev.IPAddress)
	assert.NotNil(t, ev.Metadata)
	assert.Equal(t, t0, ev.CreatedAt)
}

func TestEventDispatcher_DeliversToAllHandlers(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	record := func(name string) services.EventHandler {
		return services.EventHandlerFunc(func(_ context.Context, ev models.SecurityEvent) {
			mu.Lock()
			seen = append(seen, name+":"+ev.EventType)
			mu.Unlock()
		})
	}

	d := services.NewEventDispatcher(8, 1, discardLogger(), record("audit"), record("mail"))
	d.Start()
	d.Publish(services.NewSecurityEvent(models.EventTypeLockoutApplied, "alice", "", nil, t0))
	require.NoError(t, d.Stop(context.Background()))

	assert.Equal(t, []string{"audit:lockout_applied", "mail:lockout_applied"}, seen)
}

func TestEventDispatcher_DropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	blocking := services.EventHandlerFunc(func(context.Context, models.SecurityEvent) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	})

	d := services.NewEventDispatcher(1, 1, discardLogger(), blocking)
	var drops atomic.Int32
	d.OnDrop(func() { drops.Add(1) })
	d.Start()

	d.Publish(services.NewSecurityEvent("a", "", "", nil, t0))
	<-started
	d.Publish(services.NewSecurityEvent("b", "", "", nil, t0))

	done := make(chan struct{})
	go func() {
		d.Publish(services.NewSecurityEvent("c", "", "", nil, t0))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full queue")
	}

	close(release)
	require.NoError(t, d.Stop(context.Background()))
	assert.Equal(t, int64(1), d.Dropped())
	assert.Equal(t, int32(1), drops.Load())
}

func TestEventDispatcher_RecoversFromPanics(t *testing.T) {
	var handled atomic.Int32
	panicking := services.EventHandlerFunc(func(context.Context, models.SecurityEvent) { panic("boom") })
	counting := services.EventHandlerFunc(func(context.Context, models.SecurityEvent) { handled.Add(1) })

	d := services.NewEventDispatcher(4, 1, discardLogger(), panicking, counting)
	d.Start()
	d.Publish(services.NewSecurityEvent("x", "", "", nil, t0))
	d.Publish(services.NewSecurityEvent("y", "", "", nil, t0))
	require.NoError(t, d.Stop(context.Background()))

	assert.Equal(t, int32(2), handled.Load())
}

func TestEventDispatcher_PublishAfterStopDrops(t *testing.T) {
	d := services.NewEventDispatcher(4, 1, discardLogger())
	d.Start()
	require.NoError(t, d.Stop(context.Background()))
	require.NoError(t, d.Stop(context.Background()))

	d.Publish(services.NewSecurityEvent("late", "", "", nil, t0))
	assert.Equal(t, int64(1), d.Dropped())
}
