package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	report_feature_service    = "feature.service"
	report_feature_layers     = "feature.layers"
	report_feature_query      = "feature.query"
	report_feature_attachment = "feature.attachment"
)

// FeatureService is the queryable service behind a survey form item. Layers
// and tables are addressed by their position within the service, mirroring
// how forms reference them.
type FeatureService struct {
	session *Session
	url     string
}

// FeatureService resolves the form item and returns a handle to the feature
// service it points at.
func (s *Session) FeatureService(ctx context.Context, formId string) (*FeatureService, error) {
	item, err := s.Item(ctx, formId)
	if err != nil {
		return nil, err
	}
	if item.Url == "" {
		return nil, fmt.Errorf("item %q has no feature service: %w", formId, ErrNotFound)
	}
	s.tel.ReportDebug("resolved form", "form", formId, "title", item.Title)
	return &FeatureService{
		session: s,
		url:     strings.TrimSuffix(item.Url, "/"),
	}, nil
}

// Field describes one column of a layer or table.
type Field struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Alias string `json:"alias"`
}

// Layer is a queryable dataset within a feature service, either a spatial
// layer or a related table.
type Layer struct {
	svc *FeatureService

	Id             int     `json:"id"`
	Name           string  `json:"name"`
	HasAttachments bool    `json:"hasAttachments"`
	Fields         []Field `json:"fields"`
}

func (l *Layer) url() string {
	return fmt.Sprintf("%s/%d", l.svc.url, l.Id)
}

type layerRef struct {
	Id int `json:"id"`
}

func (fs *FeatureService) resolveLayers(ctx context.Context, refs []layerRef) ([]*Layer, error) {
	layers := make([]*Layer, 0, len(refs))
	for _, ref := range refs {
		layer := &Layer{svc: fs, Id: ref.Id}
		res, err := fs.session.http.R().
			SetContext(ctx).
			SetQueryParam("f", "json").
			Get(fmt.Sprintf("%s/%d", fs.url, ref.Id))
		if err != nil {
			fs.session.tel.ReportBroken(
				report_feature_layers,
				fmt.Errorf("fetch layer %d: %w", ref.Id, err),
			)
			return nil, err
		}
		if err := decodeResponse(res, layer); err != nil {
			fs.session.tel.ReportBroken(report_feature_layers, err, ref.Id)
			return nil, err
		}
		layers = append(layers, layer)
	}
	return layers, nil
}

func (fs *FeatureService) info(ctx context.Context) (layers, tables []layerRef, err error) {
	res, err := fs.session.http.R().
		SetContext(ctx).
		SetQueryParam("f", "json").
		Get(fs.url)
	if err != nil {
		fs.session.tel.ReportBroken(
			report_feature_service,
			fmt.Errorf("fetch service info: %w", err),
		)
		return nil, nil, err
	}
	var out struct {
		Layers []layerRef `json:"layers"`
		Tables []layerRef `json:"tables"`
	}
	if err := decodeResponse(res, &out); err != nil {
		fs.session.tel.ReportBroken(report_feature_service, err)
		return nil, nil, err
	}
	return out.Layers, out.Tables, nil
}

// Layers returns the service's spatial layers in service order.
func (fs *FeatureService) Layers(ctx context.Context) ([]*Layer, error) {
	refs, _, err := fs.info(ctx)
	if err != nil {
		return nil, err
	}
	return fs.resolveLayers(ctx, refs)
}

// Tables returns the service's related tables in service order.
func (fs *FeatureService) Tables(ctx context.Context) ([]*Layer, error) {
	_, refs, err := fs.info(ctx)
	if err != nil {
		return nil, err
	}
	return fs.resolveLayers(ctx, refs)
}

// Collections returns layers followed by tables, the order photo syncing
// walks them in.
func (fs *FeatureService) Collections(ctx context.Context) ([]*Layer, error) {
	layerRefs, tableRefs, err := fs.info(ctx)
	if err != nil {
		return nil, err
	}
	return fs.resolveLayers(ctx, append(layerRefs, tableRefs...))
}

// Query describes a layer query. Zero values mean "everything": all rows,
// all fields, no ordering, no geometry.
type Query struct {
	Where          string
	OutFields      string
	OrderBy        string
	ReturnGeometry bool
}

// Feature is a single record of a layer or table.
type Feature struct {
	Attributes map[string]any `json:"attributes"`
}

// Int reads an integer attribute by name, tolerating the portal's
// case-insensitive field naming.
func (f Feature) Int(name string) (int64, bool) {
	for k, v := range f.Attributes {
		if !strings.EqualFold(k, name) {
			continue
		}
		switch n := v.(type) {
		case float64:
			return int64(n), true
		case int64:
			return n, true
		}
	}
	return 0, false
}

// FeatureSet is a tabular query result.
type FeatureSet struct {
	Fields   []Field   `json:"fields"`
	Features []Feature `json:"features"`
}

// Select runs a query against the layer and returns every matching record.
func (l *Layer) Select(ctx context.Context, q Query) (*FeatureSet, error) {
	ctx, span := tracer.Start(ctx, "Select")
	defer span.End()

	where := q.Where
	if where == "" {
		where = "1=1"
	}
	outFields := q.OutFields
	if outFields == "" {
		outFields = "*"
	}

	params := map[string]string{
		"where":          where,
		"outFields":      outFields,
		"returnGeometry": strconv.FormatBool(q.ReturnGeometry),
		"f":              "json",
	}
	if q.OrderBy != "" {
		params["orderByFields"] = q.OrderBy
	}
	l.svc.session.tel.ReportDebug("query layer", "layer", l.Name, "where", where)

	res, err := l.svc.session.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(l.url() + "/query")
	if err != nil {
		l.svc.session.tel.ReportBroken(
			report_feature_query,
			fmt.Errorf("fetch: %w", err),
			l.Name,
		)
		return nil, err
	}

	var set FeatureSet
	if err := decodeResponse(res, &set); err != nil {
		l.svc.session.tel.ReportBroken(report_feature_query, err, l.Name)
		return nil, err
	}
	return &set, nil
}

// Attachment is a binary file bound to a single record.
type Attachment struct {
	Id          int64  `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// Attachments lists the attachments of the record identified by oid.
func (l *Layer) Attachments(ctx context.Context, oid int64) ([]Attachment, error) {
	res, err := l.svc.session.http.R().
		SetContext(ctx).
		SetQueryParam("f", "json").
		Get(fmt.Sprintf("%s/%d/attachments", l.url(), oid))
	if err != nil {
		l.svc.session.tel.ReportBroken(
			report_feature_attachment,
			fmt.Errorf("list: %w", err),
			l.Name, oid,
		)
		return nil, err
	}
	var out struct {
		AttachmentInfos []Attachment `json:"attachmentInfos"`
	}
	if err := decodeResponse(res, &out); err != nil {
		l.svc.session.tel.ReportBroken(report_feature_attachment, err, l.Name, oid)
		return nil, err
	}
	return out.AttachmentInfos, nil
}

// DownloadAttachment saves the attachment into dir under its original name
// and returns the written path.
func (l *Layer) DownloadAttachment(ctx context.Context, oid int64, att Attachment, dir string) (string, error) {
	ctx, span := tracer.Start(ctx, "DownloadAttachment")
	defer span.End()

	path := filepath.Join(dir, att.Name)
	res, err := l.svc.session.http.R().
		SetContext(ctx).
		SetOutput(path).
		Get(fmt.Sprintf("%s/%d/attachments/%d", l.url(), oid, att.Id))
	if err != nil {
		l.svc.session.tel.ReportBroken(
			report_feature_attachment,
			fmt.Errorf("download: %w", err),
			l.Name, oid, att.Id,
		)
		return "", err
	}
	if res.IsError() {
		err := fmt.Errorf("download attachment %d of record %d: status %d", att.Id, oid, res.StatusCode())
		l.svc.session.tel.ReportBroken(report_feature_attachment, err)
		return "", err
	}
	if err := checkDownloadedBody(path); err != nil {
		os.Remove(path)
		err = fmt.Errorf("download attachment %d of record %d: %w", att.Id, oid, err)
		l.svc.session.tel.ReportBroken(report_feature_attachment, err)
		return "", err
	}
	return path, nil
}

// checkDownloadedBody guards against the portal reporting a failure, such as
// an expired token, inside a 200-status JSON body that resty has already
// streamed into the output file. Attachments that merely contain JSON pass.
func checkDownloadedBody(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var lead [1]byte
	if n, _ := f.Read(lead[:]); n == 0 || lead[0] != '{' {
		return nil
	}
	rest, err := io.ReadAll(f)
	if err != nil {
		return err
	}

	var envelope struct {
		Error *apiError `json:"error"`
	}
	if json.Unmarshal(append(lead[:], rest...), &envelope) != nil || envelope.Error == nil {
		return nil
	}
	return envelope.Error
}
