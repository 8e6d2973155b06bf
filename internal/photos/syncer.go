// Package photos implements incremental download of survey photo
// attachments. Progress is tracked in a local sync log keyed on the
// monotonically increasing objectid, so repeated runs only fetch records
// newer than the last completed one.
package photos

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"surveysync/internal/portal"
	"surveysync/internal/synclog"
	"surveysync/lib/telemetry"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("photos")

const (
	report_syncer_sync     = "syncer.sync"
	report_syncer_conflict = "syncer.conflict"
)

// LogFileName is the sync log's name inside the save directory.
const LogFileName = "log_photos.json"

// folderDateLayout names the per-day destination folder (YY-MM-DD, UTC).
const folderDateLayout = "06-01-02"

// Syncer downloads new photo attachments for every attachment-bearing layer
// and table of a form.
type Syncer struct {
	session       *portal.Session
	tel           telemetry.API
	saveDirectory string
	folderName    string
}

// NewSyncer wires a syncer to an authenticated session. Photos land under
// {saveDirectory}/{folderName}/{YY-MM-DD}; the sync log lives directly in
// saveDirectory.
func NewSyncer(session *portal.Session, tel telemetry.API, saveDirectory, folderName string) Syncer {
	return Syncer{
		session:       session,
		tel:           telemetry.NewScopedAPI("photos", tel),
		saveDirectory: saveDirectory,
		folderName:    folderName,
	}
}

// Report summarizes a sync pass.
type Report struct {
	Records    int
	Downloaded int
	Conflicts  int
}

// Sync performs one incremental pass over the form. The cursor is the
// maximum objectid across every log entry, shared by all layers and tables
// of the form. Log entries are appended as soon as a record's attachments
// are handled, so an aborted run resumes after the last completed record.
func (sy Syncer) Sync(ctx context.Context, formId string) (Report, error) {
	ctx, span := tracer.Start(ctx, "Sync")
	defer span.End()

	var rep Report

	log, err := synclog.Open(filepath.Join(sy.saveDirectory, LogFileName))
	if err != nil {
		return rep, err
	}
	maxOid := log.MaxObjectId()
	if !log.Exists() {
		sy.tel.ReportWarning(
			report_syncer_sync,
			fmt.Errorf("sync log %q not found, downloading every attachment", LogFileName),
		)
	}

	svc, err := sy.session.FeatureService(ctx, formId)
	if err != nil {
		return rep, err
	}
	collections, err := svc.Collections(ctx)
	if err != nil {
		return rep, err
	}

	for _, layer := range collections {
		if !layer.HasAttachments {
			continue
		}
		n, err := sy.syncLayer(ctx, layer, formId, maxOid, log, &rep)
		if err != nil {
			return rep, err
		}
		sy.tel.ReportCount("syncer.records", int64(n))
	}
	return rep, nil
}

func (sy Syncer) syncLayer(
	ctx context.Context,
	layer *portal.Layer,
	formId string,
	maxOid int64,
	log *synclog.Log,
	rep *Report,
) (int, error) {
	set, err := layer.Select(ctx, portal.Query{
		Where:     fmt.Sprintf("objectid > %d", maxOid),
		OutFields: "created_date",
		OrderBy:   "objectid ASC",
	})
	if err != nil {
		return 0, err
	}
	if len(set.Features) == 0 {
		sy.tel.ReportDebug("no new records", "layer", layer.Name, "cursor", maxOid)
		return 0, nil
	}

	for i, feature := range set.Features {
		oid, ok := feature.Int("objectid")
		if !ok {
			return i, fmt.Errorf("layer %q: record without objectid", layer.Name)
		}
		created, ok := feature.Int("created_date")
		if !ok {
			return i, fmt.Errorf("layer %q: record %d without created_date", layer.Name, oid)
		}

		folder := filepath.Join(
			sy.saveDirectory,
			sy.folderName,
			time.UnixMilli(created).UTC().Format(folderDateLayout),
		)
		if err := os.MkdirAll(folder, 0o755); err != nil {
			return i, err
		}

		sy.tel.ReportDebug(
			"downloading record",
			"layer", layer.Name,
			"progress", fmt.Sprintf("%d/%d", i+1, len(set.Features)),
		)
		if err := sy.downloadRecord(ctx, layer, oid, folder, rep); err != nil {
			return i, err
		}

		err := log.Append(synclog.Entry{
			ObjectId:    oid,
			CreatedDate: synclog.FormatCreated(created),
			FormId:      formId,
			Local:       folder,
		})
		if err != nil {
			return i, err
		}
		rep.Records++
	}
	return len(set.Features), nil
}

func (sy Syncer) downloadRecord(
	ctx context.Context,
	layer *portal.Layer,
	oid int64,
	folder string,
	rep *Report,
) error {
	attachments, err := layer.Attachments(ctx, oid)
	if err != nil {
		return err
	}
	for _, att := range attachments {
		path, err := layer.DownloadAttachment(ctx, oid, att, folder)
		if err != nil {
			return err
		}
		final := insertObjectId(path, oid)

		if _, err := os.Stat(final); err == nil {
			// The record was downloaded before under the same name. Keep the
			// existing file, leave the fresh download under its original name.
			sy.tel.ReportWarning(
				report_syncer_conflict,
				fmt.Errorf("target %q already exists, record %d skipped", final, oid),
			)
			rep.Conflicts++
			continue
		}
		if err := os.Rename(path, final); err != nil {
			return fmt.Errorf("rename attachment: %w", err)
		}
		rep.Downloaded++

		if taken, err := CaptureTime(final); err == nil {
			sy.tel.ReportDebug("photo capture time", "file", filepath.Base(final), "taken", taken)
		}
	}
	return nil
}

// insertObjectId tags the downloaded file with its record id:
// photo.jpg -> photo-oid_42.jpg.
func insertObjectId(path string, oid int64) string {
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s-oid_%d%s", strings.TrimSuffix(path, ext), oid, ext)
}
