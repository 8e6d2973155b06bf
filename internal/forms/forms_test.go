package forms_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"surveysync/internal/forms"
	"surveysync/internal/portal"
	"surveysync/internal/portal/portaltest"
	"surveysync/lib/telemetry"

	"github.com/stretchr/testify/require"
)

var tel = telemetry.SlogAPI{}

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

func surveyForm() *portaltest.Form {
	return &portaltest.Form{
		Title: "Field Survey",
		Layers: []*portaltest.Layer{{
			Name: "observations",
			Fields: []portal.Field{
				{Name: "objectid", Type: "esriFieldTypeOID"},
				{Name: "depth", Type: "esriFieldTypeDouble"},
				{Name: "notes", Type: "esriFieldTypeString"},
			},
			Records: []portaltest.Record{
				{Attributes: map[string]any{"objectid": 1, "depth": 2.5, "notes": "wet"}},
				{Attributes: map[string]any{"objectid": 2, "depth": 4.0, "notes": "dry"}},
			},
		}},
		Tables: []*portaltest.Layer{{
			Name:   "samples",
			Fields: []portal.Field{{Name: "objectid", Type: "esriFieldTypeOID"}},
			Records: []portaltest.Record{
				{Attributes: map[string]any{"objectid": 10}},
			},
		}},
	}
}

func TestDownloadLayerAndSave(t *testing.T) {
	srv := portaltest.New("publisher", "hunter2")
	defer srv.Close()
	srv.Forms["form-1"] = surveyForm()

	ctx := testContext(t)
	dir := t.TempDir()
	d := forms.NewDownloader(connect(t, srv), tel, dir, "proj_")

	result, err := d.Layer(ctx, "form-1", 0)
	require.NoError(t, err)
	require.Equal(t, []string{"objectid", "depth", "notes"}, result.Columns)
	require.Equal(t, [][]string{
		{"1", "2,5", "wet"},
		{"2", "4", "dry"},
	}, result.Rows)

	path, err := d.Save(result, "observations")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "proj_observations.csv"), path)

	read, err := forms.ReadCSV(path)
	require.NoError(t, err)
	require.Equal(t, result.Rows, read.Rows)
}

func TestDownloadRelatedTable(t *testing.T) {
	srv := portaltest.New("publisher", "hunter2")
	defer srv.Close()
	srv.Forms["form-1"] = surveyForm()

	d := forms.NewDownloader(connect(t, srv), tel, t.TempDir(), "")

	result, err := d.RelatedTable(testContext(t), "form-1", 0)
	require.NoError(t, err)
	require.Equal(t, []string{"objectid"}, result.Columns)
	require.Len(t, result.Rows, 1)
}

func TestDownloadPositionOutOfRange(t *testing.T) {
	srv := portaltest.New("publisher", "hunter2")
	defer srv.Close()
	srv.Forms["form-1"] = surveyForm()

	d := forms.NewDownloader(connect(t, srv), tel, t.TempDir(), "")

	_, err := d.Layer(testContext(t), "form-1", 5)
	require.ErrorIs(t, err, portal.ErrNotFound)

	_, err = d.RelatedTable(testContext(t), "form-1", 1)
	require.ErrorIs(t, err, portal.ErrNotFound)
}

func TestDownloadUnknownForm(t *testing.T) {
	srv := portaltest.New("publisher", "hunter2")
	defer srv.Close()

	d := forms.NewDownloader(connect(t, srv), tel, t.TempDir(), "")

	_, err := d.Layer(testContext(t), "nope", 0)
	require.ErrorIs(t, err, portal.ErrNotFound)
}

func TestUpload(t *testing.T) {
	srv := portaltest.New("publisher", "hunter2")
	defer srv.Close()
	srv.Items = []portaltest.Item{
		{Id: "abc", Owner: "publisher", Title: "survey_data", Type: "CSV"},
	}

	dir := t.TempDir()
	content := "objectid;depth\n1;2,5\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "survey_data.csv"), []byte(content), 0o644))

	u := forms.NewUploader(connect(t, srv), tel, dir)
	require.NoError(t, u.Upload(testContext(t), "survey_data", ""))

	updates := srv.RecordedUpdates()
	require.Len(t, updates, 1)
	require.Equal(t, "abc", updates[0].ItemId)
	require.Equal(t, "publisher", updates[0].Owner)
	require.Equal(t, content, string(updates[0].Content))
}

func TestUploadNoMatch(t *testing.T) {
	srv := portaltest.New("publisher", "hunter2")
	defer srv.Close()

	u := forms.NewUploader(connect(t, srv), tel, t.TempDir())
	err := u.Upload(testContext(t), "survey_data", "CSV")
	require.ErrorIs(t, err, portal.ErrNotFound)
}

func TestUploadAmbiguousMatch(t *testing.T) {
	srv := portaltest.New("publisher", "hunter2")
	defer srv.Close()
	srv.Items = []portaltest.Item{
		{Id: "abc", Owner: "publisher", Title: "survey_data", Type: "CSV"},
		{Id: "def", Owner: "publisher", Title: "survey_data", Type: "CSV"},
	}

	u := forms.NewUploader(connect(t, srv), tel, t.TempDir())
	err := u.Upload(testContext(t), "survey_data", "CSV")
	require.ErrorIs(t, err, forms.ErrAmbiguousItem)
	require.Empty(t, srv.RecordedUpdates())
}
