package forms

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"surveysync/internal/portal"
	"surveysync/lib/telemetry"
)

const (
	report_downloader_fetch = "downloader.fetch"
	report_downloader_save  = "downloader.save"
)

// Downloader fetches form layers and related tables and optionally persists
// them as delimited files under its directory.
type Downloader struct {
	session   *portal.Session
	tel       telemetry.API
	directory string
	prefix    string
}

// NewDownloader wires a downloader to an authenticated session. prefix may be
// empty; when set it is prepended to every saved file name.
func NewDownloader(session *portal.Session, tel telemetry.API, directory, prefix string) Downloader {
	return Downloader{
		session:   session,
		tel:       telemetry.NewScopedAPI("forms", tel),
		directory: directory,
		prefix:    prefix,
	}
}

func (d Downloader) fetch(ctx context.Context, formId string, position int, tables bool) (*Table, error) {
	svc, err := d.session.FeatureService(ctx, formId)
	if err != nil {
		return nil, err
	}

	var layers []*portal.Layer
	kind := "layer"
	if tables {
		kind = "table"
		layers, err = svc.Tables(ctx)
	} else {
		layers, err = svc.Layers(ctx)
	}
	if err != nil {
		d.tel.ReportBroken(report_downloader_fetch, err, formId)
		return nil, err
	}
	if position < 0 || position >= len(layers) {
		return nil, fmt.Errorf(
			"%s %d of form %q (have %d): %w",
			kind, position, formId, len(layers), portal.ErrNotFound,
		)
	}

	set, err := layers[position].Select(ctx, portal.Query{})
	if err != nil {
		d.tel.ReportBroken(report_downloader_fetch, err, formId, position)
		return nil, err
	}
	d.tel.ReportDebug("fetched", "form", formId, kind, layers[position].Name, "rows", len(set.Features))
	return FromFeatureSet(set), nil
}

// Layer downloads the form's spatial layer at the given position.
func (d Downloader) Layer(ctx context.Context, formId string, position int) (*Table, error) {
	return d.fetch(ctx, formId, position, false)
}

// RelatedTable downloads the form's related table at the given position.
func (d Downloader) RelatedTable(ctx context.Context, formId string, position int) (*Table, error) {
	return d.fetch(ctx, formId, position, true)
}

// Save writes the table to {directory}/{prefix}{fileName}.csv and returns the
// path. An existing file is overwritten without warning.
func (d Downloader) Save(t *Table, fileName string) (string, error) {
	if err := os.MkdirAll(d.directory, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(d.directory, d.prefix+fileName+".csv")
	if err := t.WriteCSV(path); err != nil {
		d.tel.ReportBroken(report_downloader_save, err, path)
		return "", err
	}
	d.tel.ReportDebug("saved csv", "path", path, "rows", len(t.Rows))
	return path, nil
}
