package ingest_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salesops-ai/sentinel/core"
	"github.com/salesops-ai/sentinel/ingest"
)

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sales.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const header = "Order ID,Order Date,Region,Category,Sales,Profit\n"

func TestLoadCleanCSV(t *testing.T) {
	path := writeCSV(t, header+
		"ord-1,2024-01-05,West,Technology,120.50,30.25\n"+
		"ord-2,1/6/2024,East,Furniture,80.00,-5.00\n")

	rows, err := ingest.New(path, nil).Load()
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "ord-1", rows[0].OrderID)
	assert.Equal(t, "West", rows[0].Region)
	assert.InDelta(t, 120.50, rows[0].Sales, 0.001)
	assert.Equal(t, "2024-01-05", rows[0].OrderDate.Format("2006-01-02"))
	assert.Equal(t, "2024-01-06", rows[1].OrderDate.Format("2006-01-02"), "slash dates parse too")
}

func TestLoadTrimsHeaderWhitespace(t *testing.T) {
	path := writeCSV(t, "Order ID , Order Date ,Region,Category, Sales ,Profit\n"+
		"ord-1,2024-01-05,West,Technology,10,1\n")

	rows, err := ingest.New(path, nil).Load()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.InDelta(t, 10, rows[0].Sales, 0.001)
}

func TestLoadDropsUnparseableRows(t *testing.T) {
	path := writeCSV(t, header+
		"ord-1,2024-01-05,West,Technology,120.50,30.25\n"+
		"ord-2,not-a-date,East,Furniture,80.00,-5.00\n"+
		"ord-3,2024-01-07,South,Office,abc,1.00\n")

	rows, err := ingest.New(path, nil).Load()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "ord-1", rows[0].OrderID)
}

func TestLoadRejectsMissingColumns(t *testing.T) {
	path := writeCSV(t, "Order ID,Order Date,Sales\nord-1,2024-01-05,10\n")

	_, err := ingest.New(path, nil).Load()
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindValidation))
	assert.Contains(t, err.Error(), "Region")
}

func TestLoadDecodesLatin1(t *testing.T) {
	// 0xE9 is é in latin1 and invalid as a standalone UTF-8 byte.
	content := []byte(header + "ord-1,2024-01-05,Qu\xe9bec,Technology,10,1\n")
	path := filepath.Join(t.TempDir(), "latin1.csv")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	rows, err := ingest.New(path, nil).Load()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Québec", rows[0].Region)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := ingest.New(filepath.Join(t.TempDir(), "absent.csv"), nil).Load()
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindStorage))
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := writeCSV(t, header+"ord-1,2024-01-05,West,Technology,120.50,30.25\n")
	rows, err := ingest.New(path, nil).Load()
	require.NoError(t, err)

	snapPath := filepath.Join(t.TempDir(), "runs", "snapshot.json")
	require.NoError(t, ingest.SaveSnapshot(rows, snapPath))

	restored, err := ingest.LoadSnapshot(snapPath)
	require.NoError(t, err)
	assert.Equal(t, rows, restored)

	// No temp droppings left beside the snapshot.
	entries, err := os.ReadDir(filepath.Dir(snapPath))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
