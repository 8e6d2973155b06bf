// Package portaltest runs a fake GIS portal on httptest for exercising the
// client without a real server. It implements just enough of the sharing and
// feature-service APIs: token exchange, item get/search/update, service
// metadata, layer query and attachment download.
package portaltest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"surveysync/internal/portal"
)

// Attachment is a binary file served for a single record.
type Attachment struct {
	Id      int64
	Name    string
	Content []byte
}

// Record is a row of a fake layer. Attributes must contain "objectid" and,
// for photo layers, "created_date" (epoch milliseconds).
type Record struct {
	Attributes  map[string]any
	Attachments []Attachment
}

func (r Record) objectId() int64 {
	switch n := r.Attributes["objectid"].(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

// Layer is a fake layer or related table.
type Layer struct {
	Name           string
	HasAttachments bool
	Fields         []portal.Field
	Records        []Record
}

// Form groups the layers and tables behind one form item.
type Form struct {
	Title  string
	Layers []*Layer
	Tables []*Layer
}

// Item is a plain content item (for example an uploaded CSV).
type Item struct {
	Id    string
	Owner string
	Title string
	Type  string
}

// Update records one item-data overwrite received by the fake portal.
type Update struct {
	Owner    string
	ItemId   string
	FileName string
	Content  []byte
}

// Server is the fake portal. Mutate the exported fields before issuing
// requests; Wheres and Updates record what the client sent.
type Server struct {
	*httptest.Server

	Username string
	Password string

	Forms map[string]*Form
	Items []Item

	// AttachmentError, when set, makes every attachment download answer
	// with the portal's 200-status error envelope instead of the content.
	AttachmentError string

	mu      sync.Mutex
	Wheres  []string
	Updates []Update
}

// New starts a fake portal accepting the given credentials. Callers own
// Close.
func New(username, password string) *Server {
	s := &Server{
		Username: username,
		Password: password,
		Forms:    map[string]*Form{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /sharing/rest/generateToken", s.handleToken)
	mux.HandleFunc("GET /sharing/rest/content/items/{id}", s.handleItem)
	mux.HandleFunc("GET /sharing/rest/search", s.handleSearch)
	mux.HandleFunc("POST /sharing/rest/content/users/{owner}/items/{id}/update", s.handleUpdate)
	mux.HandleFunc("GET /rest/services/{form}/FeatureServer", s.handleService)
	mux.HandleFunc("GET /rest/services/{form}/FeatureServer/{layer}", s.handleLayer)
	mux.HandleFunc("GET /rest/services/{form}/FeatureServer/{layer}/query", s.handleQuery)
	mux.HandleFunc("GET /rest/services/{form}/FeatureServer/{layer}/{oid}/attachments", s.handleAttachments)
	mux.HandleFunc("GET /rest/services/{form}/FeatureServer/{layer}/{oid}/attachments/{attachment}", s.handleDownload)

	s.Server = httptest.NewServer(mux)
	return s
}

// RecordedWheres returns every where clause received by query requests.
func (s *Server) RecordedWheres() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.Wheres...)
}

// RecordedUpdates returns every item update received.
func (s *Server) RecordedUpdates() []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Update{}, s.Updates...)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// the portal reports errors inside a 200 body
func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
			"details": []string{},
		},
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, 400, "malformed request")
		return
	}
	if r.PostFormValue("username") != s.Username || r.PostFormValue("password") != s.Password {
		writeError(w, 400, "Invalid username or password.")
		return
	}
	writeJSON(w, map[string]any{
		"token":   "test-token",
		"expires": 9999999999999,
	})
}

func (s *Server) serviceUrl(formId string) string {
	return fmt.Sprintf("%s/rest/services/%s/FeatureServer", s.URL, formId)
}

func (s *Server) handleItem(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if form, ok := s.Forms[id]; ok {
		writeJSON(w, map[string]any{
			"id":    id,
			"owner": s.Username,
			"title": form.Title,
			"type":  "Form",
			"url":   s.serviceUrl(id),
		})
		return
	}
	for _, item := range s.Items {
		if item.Id == id {
			writeJSON(w, map[string]any{
				"id":    item.Id,
				"owner": item.Owner,
				"title": item.Title,
				"type":  item.Type,
			})
			return
		}
	}
	writeError(w, 400, "Item does not exist or is inaccessible.")
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	results := []map[string]any{}
	for _, item := range s.Items {
		if strings.Contains(q, fmt.Sprintf("title:%q", item.Title)) &&
			strings.Contains(q, fmt.Sprintf("type:%q", item.Type)) {
			results = append(results, map[string]any{
				"id":    item.Id,
				"owner": item.Owner,
				"title": item.Title,
				"type":  item.Type,
			})
		}
	}
	writeJSON(w, map[string]any{
		"total":   len(results),
		"results": results,
	})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, 400, "malformed multipart request")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, 400, "missing file")
		return
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, 500, "read file")
		return
	}

	s.mu.Lock()
	s.Updates = append(s.Updates, Update{
		Owner:    r.PathValue("owner"),
		ItemId:   r.PathValue("id"),
		FileName: header.Filename,
		Content:  content,
	})
	s.mu.Unlock()

	writeJSON(w, map[string]any{"success": true, "id": r.PathValue("id")})
}

func (s *Server) form(w http.ResponseWriter, r *http.Request) (*Form, bool) {
	form, ok := s.Forms[r.PathValue("form")]
	if !ok {
		writeError(w, 400, "Item does not exist or is inaccessible.")
		return nil, false
	}
	return form, true
}

// layers are numbered first, tables continue the sequence
func (f *Form) layerByIndex(idx int) (*Layer, bool) {
	if idx < len(f.Layers) {
		return f.Layers[idx], true
	}
	idx -= len(f.Layers)
	if idx < len(f.Tables) {
		return f.Tables[idx], true
	}
	return nil, false
}

func (s *Server) layer(w http.ResponseWriter, r *http.Request) (*Layer, bool) {
	form, ok := s.form(w, r)
	if !ok {
		return nil, false
	}
	idx, err := strconv.Atoi(r.PathValue("layer"))
	if err != nil {
		writeError(w, 400, "invalid layer id")
		return nil, false
	}
	layer, ok := form.layerByIndex(idx)
	if !ok {
		writeError(w, 400, "layer does not exist")
		return nil, false
	}
	return layer, true
}

func (s *Server) handleService(w http.ResponseWriter, r *http.Request) {
	form, ok := s.form(w, r)
	if !ok {
		return
	}
	layers := []map[string]any{}
	for i, l := range form.Layers {
		layers = append(layers, map[string]any{"id": i, "name": l.Name})
	}
	tables := []map[string]any{}
	for i, t := range form.Tables {
		tables = append(tables, map[string]any{"id": len(form.Layers) + i, "name": t.Name})
	}
	writeJSON(w, map[string]any{"layers": layers, "tables": tables})
}

func (s *Server) handleLayer(w http.ResponseWriter, r *http.Request) {
	layer, ok := s.layer(w, r)
	if !ok {
		return
	}
	id, _ := strconv.Atoi(r.PathValue("layer"))
	writeJSON(w, map[string]any{
		"id":             id,
		"name":           layer.Name,
		"hasAttachments": layer.HasAttachments,
		"fields":         layer.Fields,
	})
}

func parseWhere(where string) (minOid int64, filtered bool) {
	rest, ok := strings.CutPrefix(where, "objectid > ")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	layer, ok := s.layer(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	where := query.Get("where")

	s.mu.Lock()
	s.Wheres = append(s.Wheres, where)
	s.mu.Unlock()

	minOid, filtered := parseWhere(where)

	features := []map[string]any{}
	for _, rec := range layer.Records {
		if filtered && rec.objectId() <= minOid {
			continue
		}
		features = append(features, map[string]any{
			"attributes": projectAttributes(rec.Attributes, query),
		})
	}
	writeJSON(w, map[string]any{
		"fields":   layer.Fields,
		"features": features,
	})
}

// projectAttributes honors outFields; objectid is always included, like the
// real portal does.
func projectAttributes(attrs map[string]any, query url.Values) map[string]any {
	outFields := query.Get("outFields")
	if outFields == "" || outFields == "*" {
		return attrs
	}
	out := map[string]any{"objectid": attrs["objectid"]}
	for _, name := range strings.Split(outFields, ",") {
		name = strings.TrimSpace(name)
		if v, ok := attrs[name]; ok {
			out[name] = v
		}
	}
	return out
}

func (s *Server) record(w http.ResponseWriter, r *http.Request) (*Record, bool) {
	layer, ok := s.layer(w, r)
	if !ok {
		return nil, false
	}
	oid, err := strconv.ParseInt(r.PathValue("oid"), 10, 64)
	if err != nil {
		writeError(w, 400, "invalid object id")
		return nil, false
	}
	for i := range layer.Records {
		if layer.Records[i].objectId() == oid {
			return &layer.Records[i], true
		}
	}
	writeError(w, 400, "record does not exist")
	return nil, false
}

func (s *Server) handleAttachments(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.record(w, r)
	if !ok {
		return
	}
	infos := []map[string]any{}
	for _, att := range rec.Attachments {
		infos = append(infos, map[string]any{
			"id":          att.Id,
			"name":        att.Name,
			"contentType": "image/jpeg",
			"size":        len(att.Content),
		})
	}
	writeJSON(w, map[string]any{"attachmentInfos": infos})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.record(w, r)
	if !ok {
		return
	}
	if s.AttachmentError != "" {
		writeError(w, 498, s.AttachmentError)
		return
	}
	id, err := strconv.ParseInt(r.PathValue("attachment"), 10, 64)
	if err != nil {
		writeError(w, 400, "invalid attachment id")
		return
	}
	for _, att := range rec.Attachments {
		if att.Id == id {
			w.Header().Set("Content-Type", "image/jpeg")
			_, _ = w.Write(att.Content)
			return
		}
	}
	writeError(w, 400, "attachment does not exist")
}
