package worker

import (
	"errors"
	"testing"

	"decision-server/shared/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedInspector отдает заранее заданные ответы по одному на вызов.
type scriptedInspector struct {
	lengths []int
	errs    []error
	calls   int
	closed  bool
}

func (s *scriptedInspector) QueueLength() (int, error) {
	if s.calls >= len(s.lengths) {
		return 0, errors.New("опрос вне сценария")
	}
	i := s.calls
	s.calls++
	return s.lengths[i], s.errs[i]
}

func (s *scriptedInspector) Close() error {
	s.closed = true
	return nil
}

type snapshotCapture struct {
	snapshots []models.QueueSnapshot
}

func (c *snapshotCapture) RecordSnapshot(s models.QueueSnapshot) {
	c.snapshots = append(c.snapshots, s)
}

func newScriptedWatcher(capture *snapshotCapture, inspectors ...queueInspector) (*QueueWatcher, *int) {
	opened := 0
	w := &QueueWatcher{
		openInspector: func() (queueInspector, error) {
			insp := inspectors[opened]
			opened++
			return insp, nil
		},
		processor: NewTaskProcessor(nil, nil, zap.NewNop()),
		capacity:  4,
		collector: capture,
		logger:    zap.NewNop(),
	}
	return w, &opened
}

func TestSample_RecordsSnapshot(t *testing.T) {
	capture := &snapshotCapture{}
	w, opened := newScriptedWatcher(capture,
		&scriptedInspector{lengths: []int{7, 3}, errs: []error{nil, nil}})

	w.sample()
	w.sample()

	require.Len(t, capture.snapshots, 2)
	assert.Equal(t, 7, capture.snapshots[0].QueueLength)
	assert.Equal(t, 3, capture.snapshots[1].QueueLength)
	assert.Equal(t, 4, capture.snapshots[0].AvailableCapacity)
	// Канал живой, переоткрытий не было
	assert.Equal(t, 1, *opened)
}

func TestSample_ReopensChannelAfterFailure(t *testing.T) {
	capture := &snapshotCapture{}
	failing := &scriptedInspector{
		lengths: []int{0},
		errs:    []error{errors.New("channel/connection is not open")},
	}
	healthy := &scriptedInspector{lengths: []int{5}, errs: []error{nil}}
	w, opened := newScriptedWatcher(capture, failing, healthy)

	// Первый тик: опрос падает, канал выбрасывается
	w.sample()
	assert.True(t, failing.closed, "упавший канал должен быть закрыт")
	assert.Empty(t, capture.snapshots)

	// Второй тик: новый канал, опрос снова работает
	w.sample()
	require.Len(t, capture.snapshots, 1)
	assert.Equal(t, 5, capture.snapshots[0].QueueLength)
	assert.Equal(t, 2, *opened)
}
