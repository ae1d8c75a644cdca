package secondary

import (
	"context"
	"errors"
	"net/netip"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/haukened/zonewalk/internal/dns/common/clock"
	"github.com/haukened/zonewalk/internal/dns/common/zonefile"
	"github.com/haukened/zonewalk/internal/dns/domain"
	"github.com/haukened/zonewalk/internal/dns/gateways/zonexfer"
	"github.com/haukened/zonewalk/internal/dns/repos/registry"
	"github.com/haukened/zonewalk/internal/dns/repos/zonestore"
)

const exampleDB = `@ DEFAULT example.com.
@ SOASP ns1.example.com. 86400
@ SOAADMIN admin.example.com. 86400
@ SOASERIAL 7 86400
@ SOAREFRESH 60 86400
@ SOARETRY 30 86400
@ SOAEXPIRE 600 86400
@ NS ns1.example.com. 86400
ns1 A 10.2.2.2 86400
www A 10.3.3.1 86400
`

var (
	apex    = domain.ParseDomain("example.com")
	primary = netip.MustParseAddrPort("10.0.0.1:8000")
	errDown = errors.New("connection refused")
)

type MockPuller struct {
	mock.Mock
}

func (m *MockPuller) Pull(ctx context.Context, req zonexfer.PullRequest) (*domain.Zone, error) {
	args := m.Called(ctx, req)
	z, _ := args.Get(0).(*domain.Zone)
	return z, args.Error(1)
}

func withSerial(serial uint32) any {
	return mock.MatchedBy(func(req zonexfer.PullRequest) bool {
		return req.LastSerial != nil && *req.LastSerial == serial
	})
}

func withoutSerial() any {
	return mock.MatchedBy(func(req zonexfer.PullRequest) bool {
		return req.LastSerial == nil && req.Zone == apex && req.Primary == primary
	})
}

type fixture struct {
	puller   *MockPuller
	registry *registry.Registry
	store    *zonestore.Store
	clock    *clock.MockClock
	worker   *Worker
}

func setup(t *testing.T) *fixture {
	t.Helper()
	reg, err := registry.New(8)
	require.NoError(t, err)
	st, err := zonestore.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{
		puller:   &MockPuller{},
		registry: reg,
		store:    st,
		clock:    &clock.MockClock{CurrentTime: time.Unix(1_700_000_000, 0)},
	}
	f.worker = NewWorker(Options{
		Zone:         apex,
		Primary:      primary,
		Puller:       f.puller,
		Registry:     reg,
		Store:        st,
		Clock:        f.clock,
		DefaultRetry: 10 * time.Minute,
	})
	return f
}

func exampleZone(t *testing.T) *domain.Zone {
	t.Helper()
	z, err := zonefile.ParseString(exampleDB)
	require.NoError(t, err)
	return z
}

func TestWorker_InitialTransfer(t *testing.T) {
	f := setup(t)
	z := exampleZone(t)
	f.puller.On("Pull", mock.Anything, withoutSerial()).Return(z, nil).Once()

	wait := f.worker.Step(context.Background())

	assert.Equal(t, 60*time.Second, wait)
	assert.Equal(t, StateSteady, f.worker.State())
	serial, ok := f.worker.Serial()
	assert.True(t, ok)
	assert.Equal(t, uint32(7), serial)

	got, ok := f.registry.Get(apex)
	require.True(t, ok)
	assert.Same(t, z, got)

	stored, at, err := f.store.Load(apex)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), stored.SOA.Serial)
	assert.Equal(t, f.clock.Now(), at)
	f.puller.AssertExpectations(t)
}

func TestWorker_SameSerialIsIdempotent(t *testing.T) {
	f := setup(t)
	z := exampleZone(t)
	f.puller.On("Pull", mock.Anything, withoutSerial()).Return(z, nil).Once()
	f.puller.On("Pull", mock.Anything, withSerial(7)).Return(nil, zonexfer.ErrSameSerial).Twice()

	f.worker.Step(context.Background())
	f.clock.Advance(time.Minute)
	assert.Equal(t, 60*time.Second, f.worker.Step(context.Background()))
	f.clock.Advance(time.Minute)
	assert.Equal(t, 60*time.Second, f.worker.Step(context.Background()))

	got, ok := f.registry.Get(apex)
	require.True(t, ok)
	assert.Same(t, z, got)
	assert.Equal(t, StateSteady, f.worker.State())

	_, at, err := f.store.Load(apex)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now(), at, "same serial refreshes the contact time")
	f.puller.AssertExpectations(t)
}

func TestWorker_InitialFailureWaitsDefaultRetry(t *testing.T) {
	f := setup(t)
	f.puller.On("Pull", mock.Anything, withoutSerial()).Return(nil, errDown)

	assert.Equal(t, 10*time.Minute, f.worker.Step(context.Background()))
	assert.Equal(t, StateInitial, f.worker.State())
	_, ok := f.registry.Get(apex)
	assert.False(t, ok)
}

func TestWorker_SteadyFailureWaitsRetry(t *testing.T) {
	f := setup(t)
	z := exampleZone(t)
	f.puller.On("Pull", mock.Anything, withoutSerial()).Return(z, nil).Once()
	f.puller.On("Pull", mock.Anything, withSerial(7)).Return(nil, errDown)

	f.worker.Step(context.Background())
	f.clock.Advance(time.Minute)

	assert.Equal(t, 30*time.Second, f.worker.Step(context.Background()))
	assert.Equal(t, StateSteady, f.worker.State())
	_, ok := f.registry.Get(apex)
	assert.True(t, ok, "zone kept until expire")
}

func TestWorker_ExpireDropsZone(t *testing.T) {
	f := setup(t)
	z := exampleZone(t)
	f.puller.On("Pull", mock.Anything, withoutSerial()).Return(z, nil).Once()
	f.puller.On("Pull", mock.Anything, withSerial(7)).Return(nil, errDown)

	f.worker.Step(context.Background())
	f.clock.Advance(599 * time.Second)
	f.worker.Step(context.Background())
	_, ok := f.registry.Get(apex)
	require.True(t, ok)

	f.clock.Advance(time.Second)
	wait := f.worker.Step(context.Background())

	assert.Equal(t, 10*time.Minute, wait)
	assert.Equal(t, StateInitial, f.worker.State())
	_, ok = f.worker.Serial()
	assert.False(t, ok)
	_, ok = f.registry.Get(apex)
	assert.False(t, ok)
	_, _, err := f.store.Load(apex)
	assert.ErrorIs(t, err, zonestore.ErrNotFound)

	// The next attempt starts over without a serial.
	f.puller.On("Pull", mock.Anything, withoutSerial()).Return(z, nil).Once()
	assert.Equal(t, 60*time.Second, f.worker.Step(context.Background()))
	f.puller.AssertExpectations(t)
}

func TestWorker_RestoreSuppliesLastSerial(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.store.Save(exampleZone(t), f.clock.Now().Add(-time.Minute)))

	require.NoError(t, f.worker.Restore())

	assert.Equal(t, StateSteady, f.worker.State())
	got, ok := f.registry.Get(apex)
	require.True(t, ok)
	assert.Equal(t, uint32(7), got.SOA.Serial)

	f.puller.On("Pull", mock.Anything, withSerial(7)).Return(nil, zonexfer.ErrSameSerial).Once()
	assert.Equal(t, 60*time.Second, f.worker.Step(context.Background()))
	f.puller.AssertExpectations(t)
}

func TestWorker_RestoreDiscardsExpiredCopy(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.store.Save(exampleZone(t), f.clock.Now().Add(-time.Hour)))

	require.NoError(t, f.worker.Restore())

	assert.Equal(t, StateInitial, f.worker.State())
	_, ok := f.registry.Get(apex)
	assert.False(t, ok)
	_, _, err := f.store.Load(apex)
	assert.ErrorIs(t, err, zonestore.ErrNotFound)
}

func TestWorker_RestoreWithoutCopy(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.worker.Restore())
	assert.Equal(t, StateInitial, f.worker.State())
}

func TestWorker_NoStore(t *testing.T) {
	reg, err := registry.New(8)
	require.NoError(t, err)
	puller := &MockPuller{}
	puller.On("Pull", mock.Anything, mock.Anything).Return(exampleZone(t), nil)
	w := NewWorker(Options{Zone: apex, Primary: primary, Puller: puller, Registry: reg})

	require.NoError(t, w.Restore())
	assert.Equal(t, 60*time.Second, w.Step(context.Background()))
	_, ok := reg.Get(apex)
	assert.True(t, ok)
}

func TestWorker_ZeroRefreshFallsBack(t *testing.T) {
	f := setup(t)
	z, err := zonefile.ParseString("example.com. SOASERIAL 3 60\n")
	require.NoError(t, err)
	f.puller.On("Pull", mock.Anything, withoutSerial()).Return(z, nil).Once()
	f.puller.On("Pull", mock.Anything, withSerial(3)).Return(nil, errDown).Once()

	assert.Equal(t, 10*time.Minute, f.worker.Step(context.Background()))
	assert.Equal(t, 10*time.Minute, f.worker.Step(context.Background()))
	assert.Equal(t, StateSteady, f.worker.State(), "zero expire never drops the zone")
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	f.puller.On("Pull", mock.Anything, withoutSerial()).Return(exampleZone(t), nil).Once()
	f.puller.On("Pull", mock.Anything, withSerial(7)).
		Run(func(mock.Arguments) {
			if calls.Add(1) == 2 {
				cancel()
			}
		}).
		Return(nil, zonexfer.ErrSameSerial)

	done := make(chan struct{})
	go func() {
		f.worker.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	waits := f.clock.WaitLog()
	require.GreaterOrEqual(t, len(waits), 2)
	for _, w := range waits {
		assert.Equal(t, 60*time.Second, w)
	}
}
