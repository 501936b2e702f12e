package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratePack(t *testing.T) {
	w, ledger := testWriter(t)
	ctx := context.Background()

	for _, ev := range []string{EventActionProposed, EventActionExecuted} {
		_, err := w.Record(ctx, Draft{EventType: ev, OrganizationID: "org_1", Summary: "s"})
		require.NoError(t, err)
	}
	_, err := w.Record(ctx, Draft{EventType: EventActionDenied, OrganizationID: "org_2", Summary: "other org"})
	require.NoError(t, err)

	blobs := NewMemoryBlobStore()
	exporter := NewExporter(ledger,
		WithBlobStore(blobs),
		WithExportClock(fixedClock(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))),
	)

	pack, err := exporter.GeneratePack(ctx, Filter{OrganizationID: "org_1"})
	require.NoError(t, err)
	assert.Equal(t, 2, pack.EntryCount)
	assert.True(t, pack.ChainValid)
	assert.NotEmpty(t, pack.Checksum)
	assert.NotEmpty(t, pack.Pointer)

	// Archive round-trips through the blob store.
	stored, err := blobs.Get(ctx, pack.Pointer)
	require.NoError(t, err)
	assert.Equal(t, pack.Archive, stored)

	// The zip contains the three expected files and the filtered entries.
	zr, err := zip.NewReader(bytes.NewReader(pack.Archive), int64(len(pack.Archive)))
	require.NoError(t, err)
	names := map[string]bool{}
	var entriesJSON []byte
	for _, f := range zr.File {
		names[f.Name] = true
		if f.Name == "entries.json" {
			rc, err := f.Open()
			require.NoError(t, err)
			entriesJSON, err = io.ReadAll(rc)
			require.NoError(t, err)
			require.NoError(t, rc.Close())
		}
	}
	assert.True(t, names["entries.json"])
	assert.True(t, names["manifest.json"])
	assert.True(t, names["README.txt"])

	var entries []*Entry
	require.NoError(t, json.Unmarshal(entriesJSON, &entries))
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, "org_1", e.OrganizationID)
	}
}

func TestGeneratePackValidation(t *testing.T) {
	exporter := NewExporter(nil)
	_, err := exporter.GeneratePack(context.Background(), Filter{})
	assert.ErrorIs(t, err, ErrLedgerNotConfigured)

	w, ledger := testWriter(t)
	_, err = w.Record(context.Background(), Draft{EventType: EventActionProposed, Summary: "s"})
	require.NoError(t, err)

	exporter = NewExporter(ledger)
	_, err = exporter.GeneratePack(context.Background(), Filter{
		From: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	assert.ErrorIs(t, err, ErrInvalidTimeRange)
}
