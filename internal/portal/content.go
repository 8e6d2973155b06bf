package portal

import (
	"context"
	"errors"
	"fmt"
)

const (
	report_content_item   = "content.item"
	report_content_search = "content.search"
	report_content_update = "content.update"
)

// Item is a content catalog entry, usually a survey form or an uploaded CSV.
type Item struct {
	Id    string `json:"id"`
	Owner string `json:"owner"`
	Title string `json:"title"`
	Type  string `json:"type"`
	Url   string `json:"url"`
}

// Item resolves a single content item by id.
func (s *Session) Item(ctx context.Context, id string) (Item, error) {
	ctx, span := tracer.Start(ctx, "Item")
	defer span.End()

	res, err := s.http.R().
		SetContext(ctx).
		SetQueryParam("f", "json").
		Get(fmt.Sprintf("/sharing/rest/content/items/%s", id))
	if err != nil {
		s.tel.ReportBroken(
			report_content_item,
			fmt.Errorf("fetch: %w", err),
			id,
		)
		return Item{}, err
	}

	var item Item
	if err := decodeResponse(res, &item); err != nil {
		var portalErr *apiError
		if errors.As(err, &portalErr) {
			return Item{}, fmt.Errorf("item %q: %w", id, ErrNotFound)
		}
		s.tel.ReportBroken(report_content_item, err, id)
		return Item{}, err
	}
	if item.Id == "" {
		return Item{}, fmt.Errorf("item %q: %w", id, ErrNotFound)
	}
	return item, nil
}

// Search queries the content catalog by title and item type and returns every
// match in the portal's own relevance order.
func (s *Session) Search(ctx context.Context, title, itemType string) ([]Item, error) {
	ctx, span := tracer.Start(ctx, "Search")
	defer span.End()

	query := fmt.Sprintf(`title:"%s" AND type:"%s"`, title, itemType)
	s.tel.ReportDebug("search content", "q", query)

	res, err := s.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"q":   query,
			"num": "100",
			"f":   "json",
		}).
		Get("/sharing/rest/search")
	if err != nil {
		s.tel.ReportBroken(
			report_content_search,
			fmt.Errorf("fetch: %w", err),
			query,
		)
		return nil, err
	}

	var out struct {
		Results []Item `json:"results"`
	}
	if err := decodeResponse(res, &out); err != nil {
		s.tel.ReportBroken(report_content_search, err, query)
		return nil, err
	}
	return out.Results, nil
}

// UpdateItemData overwrites the item's stored data with the contents of the
// local file at path. The item keeps its id, title and type.
func (s *Session) UpdateItemData(ctx context.Context, item Item, path string) error {
	ctx, span := tracer.Start(ctx, "UpdateItemData")
	defer span.End()

	owner := item.Owner
	if owner == "" {
		owner = s.username
	}

	res, err := s.http.R().
		SetContext(ctx).
		SetFile("file", path).
		SetFormData(map[string]string{"f": "json"}).
		Post(fmt.Sprintf("/sharing/rest/content/users/%s/items/%s/update", owner, item.Id))
	if err != nil {
		s.tel.ReportBroken(
			report_content_update,
			fmt.Errorf("update request: %w", err),
			item.Id,
		)
		return err
	}

	var out struct {
		Success bool `json:"success"`
	}
	if err := decodeResponse(res, &out); err != nil {
		s.tel.ReportBroken(report_content_update, err, item.Id)
		return err
	}
	if !out.Success {
		err := fmt.Errorf("portal rejected update of item %q", item.Id)
		s.tel.ReportBroken(report_content_update, err)
		return err
	}
	return nil
}
