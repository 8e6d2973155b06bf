package forms

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"surveysync/internal/portal"
	"surveysync/lib/telemetry"
)

// ErrAmbiguousItem means more than one portal item matched an upload target.
// The portal's search ordering is unspecified, so picking one silently could
// overwrite the wrong item.
var ErrAmbiguousItem = errors.New("multiple portal items match")

const (
	report_uploader_upload = "uploader.upload"
)

// Uploader overwrites existing portal items with local delimited files. The
// target item must already exist on the portal with the same data structure.
type Uploader struct {
	session   *portal.Session
	tel       telemetry.API
	directory string
}

func NewUploader(session *portal.Session, tel telemetry.API, directory string) Uploader {
	return Uploader{
		session:   session,
		tel:       telemetry.NewScopedAPI("forms", tel),
		directory: directory,
	}
}

// Upload finds the portal item named fileName of the given type (default
// "CSV") and replaces its data with {directory}/{fileName}.csv.
func (u Uploader) Upload(ctx context.Context, fileName, itemType string) error {
	if itemType == "" {
		itemType = "CSV"
	}

	items, err := u.session.Search(ctx, fileName, itemType)
	if err != nil {
		return err
	}
	switch {
	case len(items) == 0:
		return fmt.Errorf("%s item %q: %w", itemType, fileName, portal.ErrNotFound)
	case len(items) > 1:
		ids := make([]string, len(items))
		for i, item := range items {
			ids[i] = item.Id
		}
		return fmt.Errorf("%s item %q matches %v: %w", itemType, fileName, ids, ErrAmbiguousItem)
	}

	path := filepath.Join(u.directory, fileName+".csv")
	if err := u.session.UpdateItemData(ctx, items[0], path); err != nil {
		u.tel.ReportBroken(report_uploader_upload, err, fileName)
		return err
	}
	u.tel.ReportDebug("updated portal item", "file", fileName, "item", items[0].Id)
	return nil
}
