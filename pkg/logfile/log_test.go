package logfile

import (
	"testing"

	"github.com/cuemby/logkv/pkg/lsn"
	"github.com/cuemby/logkv/pkg/record"
	"github.com/stretchr/testify/require"
)

func TestAppendReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, Config{}, false, true)
	require.NoError(t, err)
	defer m.Close()

	l, err := m.Append(record.Record{
		Header:  record.Header{Type: record.TypeLN},
		Payload: []byte("value-1"),
	}, Sync)
	require.NoError(t, err)

	got, err := m.Read(l)
	require.NoError(t, err)
	require.Equal(t, []byte("value-1"), got.Payload)
	require.Equal(t, record.TypeLN, got.Header.Type)
}

func TestIterateInOrder(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, Config{}, false, true)
	require.NoError(t, err)
	defer m.Close()

	var written []lsn.LSN
	for i := 0; i < 5; i++ {
		l, err := m.Append(record.Record{
			Header:  record.Header{Type: record.TypeLN},
			Payload: []byte{byte(i)},
		}, NoSync)
		require.NoError(t, err)
		written = append(written, l)
	}

	var seen []byte
	err = m.Iterate(written[0], func(e Entry) (bool, error) {
		seen = append(seen, e.Record.Payload[0])
		return true, nil
	})
	require.NoError(t, err)
	require.Equal(t, []byte{0, 1, 2, 3, 4}, seen)
}

func TestRotationCreatesNewSegment(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, Config{LogFileMax: 64}, false, true)
	require.NoError(t, err)
	defer m.Close()

	for i := 0; i < 20; i++ {
		_, err := m.Append(record.Record{
			Header:  record.Header{Type: record.TypeLN},
			Payload: []byte("0123456789"),
		}, NoSync)
		require.NoError(t, err)
	}

	nums, err := m.SegmentNumbers()
	require.NoError(t, err)
	require.Greater(t, len(nums), 1)
}

func TestReopenStartsNewSegment(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, Config{}, false, true)
	require.NoError(t, err)
	first := m.CurrentFileNum()
	require.NoError(t, m.Close())

	m2, err := Open(dir, Config{}, false, true)
	require.NoError(t, err)
	defer m2.Close()
	require.Greater(t, m2.CurrentFileNum(), first)
}

func TestDatabaseNotFoundWithoutAllowCreate(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(dir, Config{}, false, false)
	require.Error(t, err)
}
