package photos_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"surveysync/internal/photos"
	"surveysync/internal/portal"
	"surveysync/internal/portal/portaltest"
	"surveysync/internal/synclog"
	"surveysync/lib/telemetry"

	"github.com/stretchr/testify/require"
)

var tel = telemetry.SlogAPI{}

// 2023-06-15 10:30:00 UTC and one day later
const (
	day1 = int64(1686825000000)
	day2 = int64(1686911400000)
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	t.Cleanup(cancel)
	return ctx
}

func connect(t *testing.T, srv *portaltest.Server) *portal.Session {
	session, err := portal.Connect(testContext(t), portal.Config{
		Url:      srv.URL,
		Username: srv.Username,
		Password: srv.Password,
	}, tel)
	require.NoError(t, err)
	return session
}

func photoRecord(oid int64, created int64, names ...string) portaltest.Record {
	rec := portaltest.Record{
		Attributes: map[string]any{"objectid": oid, "created_date": created},
	}
	for i, name := range names {
		rec.Attachments = append(rec.Attachments, portaltest.Attachment{
			Id:      int64(i + 1),
			Name:    name,
			Content: []byte("jpeg-bytes-" + name),
		})
	}
	return rec
}

func photoForm(records ...portaltest.Record) *portaltest.Form {
	return &portaltest.Form{
		Title: "Field Survey",
		Layers: []*portaltest.Layer{{
			Name:           "observations",
			HasAttachments: true,
			Fields: []portal.Field{
				{Name: "objectid", Type: "esriFieldTypeOID"},
				{Name: "created_date", Type: "esriFieldTypeDate"},
			},
			Records: records,
		}},
	}
}

func TestFullSync(t *testing.T) {
	srv := portaltest.New("publisher", "hunter2")
	defer srv.Close()
	srv.Forms["form-1"] = photoForm(
		photoRecord(1, day1, "site.jpg"),
		photoRecord(2, day2, "site.jpg", "detail.jpg"),
	)

	dir := t.TempDir()
	sy := photos.NewSyncer(connect(t, srv), tel, dir, "survey")

	rep, err := sy.Sync(testContext(t), "form-1")
	require.NoError(t, err)
	require.Equal(t, 2, rep.Records)
	require.Equal(t, 3, rep.Downloaded)
	require.Equal(t, 0, rep.Conflicts)

	// first run queries everything newer than the zero cursor
	require.Contains(t, srv.RecordedWheres(), "objectid > 0")

	content, err := os.ReadFile(filepath.Join(dir, "survey", "23-06-15", "site-oid_1.jpg"))
	require.NoError(t, err)
	require.Equal(t, "jpeg-bytes-site.jpg", string(content))

	require.FileExists(t, filepath.Join(dir, "survey", "23-06-16", "site-oid_2.jpg"))
	require.FileExists(t, filepath.Join(dir, "survey", "23-06-16", "detail-oid_2.jpg"))

	log, err := synclog.Open(filepath.Join(dir, photos.LogFileName))
	require.NoError(t, err)
	require.Len(t, log.Entries(), 2)
	require.EqualValues(t, 2, log.MaxObjectId())
	require.Equal(t, synclog.Entry{
		ObjectId:    1,
		CreatedDate: "15/06/2023 10:30:00",
		FormId:      "form-1",
		Local:       filepath.Join(dir, "survey", "23-06-15"),
	}, log.Entries()[0])
}

func TestRerunUnchangedRemoteIsNoop(t *testing.T) {
	srv := portaltest.New("publisher", "hunter2")
	defer srv.Close()
	srv.Forms["form-1"] = photoForm(
		photoRecord(1, day1, "site.jpg"),
		photoRecord(2, day1, "site2.jpg"),
	)

	dir := t.TempDir()
	sy := photos.NewSyncer(connect(t, srv), tel, dir, "survey")

	_, err := sy.Sync(testContext(t), "form-1")
	require.NoError(t, err)

	logBefore, err := os.ReadFile(filepath.Join(dir, photos.LogFileName))
	require.NoError(t, err)

	rep, err := sy.Sync(testContext(t), "form-1")
	require.NoError(t, err)
	require.Equal(t, 0, rep.Records)
	require.Equal(t, 0, rep.Downloaded)

	wheres := srv.RecordedWheres()
	require.Equal(t, "objectid > 2", wheres[len(wheres)-1])

	logAfter, err := os.ReadFile(filepath.Join(dir, photos.LogFileName))
	require.NoError(t, err)
	require.Equal(t, logBefore, logAfter)
}

func TestCursorFetchesOnlyNewerRecords(t *testing.T) {
	srv := portaltest.New("publisher", "hunter2")
	defer srv.Close()
	srv.Forms["form-1"] = photoForm(
		photoRecord(5, day1, "five.jpg"),
		photoRecord(7, day2, "seven.jpg"),
	)

	dir := t.TempDir()
	log, err := synclog.Open(filepath.Join(dir, photos.LogFileName))
	require.NoError(t, err)
	require.NoError(t, log.Append(synclog.Entry{
		ObjectId:    5,
		CreatedDate: synclog.FormatCreated(day1),
		FormId:      "form-1",
		Local:       filepath.Join(dir, "survey", "23-06-15"),
	}))

	sy := photos.NewSyncer(connect(t, srv), tel, dir, "survey")
	rep, err := sy.Sync(testContext(t), "form-1")
	require.NoError(t, err)
	require.Equal(t, 1, rep.Records)
	require.Equal(t, 1, rep.Downloaded)

	require.Contains(t, srv.RecordedWheres(), "objectid > 5")
	require.FileExists(t, filepath.Join(dir, "survey", "23-06-16", "seven-oid_7.jpg"))
	require.NoFileExists(t, filepath.Join(dir, "survey", "23-06-15", "five-oid_5.jpg"))
}

func TestRenameConflictKeepsExistingFile(t *testing.T) {
	srv := portaltest.New("publisher", "hunter2")
	defer srv.Close()
	srv.Forms["form-1"] = photoForm(photoRecord(1, day1, "site.jpg"))

	dir := t.TempDir()
	folder := filepath.Join(dir, "survey", "23-06-15")
	require.NoError(t, os.MkdirAll(folder, 0o755))
	existing := filepath.Join(folder, "site-oid_1.jpg")
	require.NoError(t, os.WriteFile(existing, []byte("existing"), 0o644))

	sy := photos.NewSyncer(connect(t, srv), tel, dir, "survey")
	rep, err := sy.Sync(testContext(t), "form-1")
	require.NoError(t, err)
	require.Equal(t, 1, rep.Records)
	require.Equal(t, 0, rep.Downloaded)
	require.Equal(t, 1, rep.Conflicts)

	content, err := os.ReadFile(existing)
	require.NoError(t, err)
	require.Equal(t, "existing", string(content), "existing file must not be overwritten")

	// the fresh download stays under its original name
	require.FileExists(t, filepath.Join(folder, "site.jpg"))
}

func TestTablesParticipateWithGlobalCursor(t *testing.T) {
	srv := portaltest.New("publisher", "hunter2")
	defer srv.Close()
	form := photoForm(photoRecord(1, day1, "layer.jpg"))
	form.Tables = []*portaltest.Layer{{
		Name:           "inspections",
		HasAttachments: true,
		Fields: []portal.Field{
			{Name: "objectid", Type: "esriFieldTypeOID"},
			{Name: "created_date", Type: "esriFieldTypeDate"},
		},
		Records: []portaltest.Record{photoRecord(3, day2, "table.jpg")},
	}}
	srv.Forms["form-1"] = form

	dir := t.TempDir()
	sy := photos.NewSyncer(connect(t, srv), tel, dir, "survey")

	rep, err := sy.Sync(testContext(t), "form-1")
	require.NoError(t, err)
	require.Equal(t, 2, rep.Records)
	require.FileExists(t, filepath.Join(dir, "survey", "23-06-15", "layer-oid_1.jpg"))
	require.FileExists(t, filepath.Join(dir, "survey", "23-06-16", "table-oid_3.jpg"))

	// the cursor is shared across layers and tables
	log, err := synclog.Open(filepath.Join(dir, photos.LogFileName))
	require.NoError(t, err)
	require.EqualValues(t, 3, log.MaxObjectId())

	rep, err = sy.Sync(testContext(t), "form-1")
	require.NoError(t, err)
	require.Equal(t, 0, rep.Records)
}

func TestDownloadFailureDoesNotAdvanceCursor(t *testing.T) {
	srv := portaltest.New("publisher", "hunter2")
	defer srv.Close()
	srv.Forms["form-1"] = photoForm(photoRecord(1, day1, "site.jpg"))
	srv.AttachmentError = "Invalid token."

	dir := t.TempDir()
	sy := photos.NewSyncer(connect(t, srv), tel, dir, "survey")
	_, err := sy.Sync(testContext(t), "form-1")
	require.Error(t, err)

	// nothing lands on disk and the next run starts from the same cursor
	require.NoFileExists(t, filepath.Join(dir, "survey", "23-06-15", "site.jpg"))
	require.NoFileExists(t, filepath.Join(dir, "survey", "23-06-15", "site-oid_1.jpg"))
	log, err := synclog.Open(filepath.Join(dir, photos.LogFileName))
	require.NoError(t, err)
	require.Empty(t, log.Entries())
}

func TestRecordWithoutCreatedDateFailsSync(t *testing.T) {
	srv := portaltest.New("publisher", "hunter2")
	defer srv.Close()
	srv.Forms["form-1"] = photoForm(portaltest.Record{
		Attributes:  map[string]any{"objectid": int64(1)},
		Attachments: []portaltest.Attachment{{Id: 1, Name: "site.jpg", Content: []byte("jpeg-bytes")}},
	})

	dir := t.TempDir()
	sy := photos.NewSyncer(connect(t, srv), tel, dir, "survey")
	_, err := sy.Sync(testContext(t), "form-1")
	require.ErrorContains(t, err, "created_date")

	log, err := synclog.Open(filepath.Join(dir, photos.LogFileName))
	require.NoError(t, err)
	require.Empty(t, log.Entries())
}

func TestLayersWithoutAttachmentsAreSkipped(t *testing.T) {
	srv := portaltest.New("publisher", "hunter2")
	defer srv.Close()
	srv.Forms["form-1"] = &portaltest.Form{
		Title: "Field Survey",
		Layers: []*portaltest.Layer{{
			Name:           "observations",
			HasAttachments: false,
			Records:        []portaltest.Record{photoRecord(1, day1, "site.jpg")},
		}},
	}

	sy := photos.NewSyncer(connect(t, srv), tel, t.TempDir(), "survey")
	rep, err := sy.Sync(testContext(t), "form-1")
	require.NoError(t, err)
	require.Equal(t, 0, rep.Records)
	require.Empty(t, srv.RecordedWheres())
}

func TestCaptureTimeErrorsOnNonPhoto(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-photo.jpg")
	require.NoError(t, os.WriteFile(path, []byte("plain text"), 0o644))

	_, err := photos.CaptureTime(path)
	require.Error(t, err)
}
