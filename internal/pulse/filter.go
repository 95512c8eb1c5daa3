package pulse

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
)

type Category string

const (
	CategoryAll      Category = "all"
	CategoryLocation Category = "location"
	CategoryTask     Category = "task"
	CategoryNote     Category = "note"
	CategoryVoice    Category = "voice"
)

var Categories = []Category{CategoryAll, CategoryLocation, CategoryTask, CategoryNote, CategoryVoice}

func ParseCategory(raw string) (Category, error) {
	switch c := Category(strings.ToLower(strings.TrimSpace(raw))); c {
	case "":
		return CategoryAll, nil
	case CategoryAll, CategoryLocation, CategoryTask, CategoryNote, CategoryVoice:
		return c, nil
	case "status":
		return CategoryLocation, nil
	}
	return "", fmt.Errorf("%w: unknown feed category %q", ErrInvalidInput, raw)
}

func (c Category) Matches(kind Kind) bool {
	switch c {
	case "", CategoryAll:
		return true
	case CategoryLocation:
		return kind == KindStatus
	case CategoryTask:
		return kind == KindTask
	case CategoryNote:
		return kind == KindNote
	case CategoryVoice:
		return kind == KindVoice
	}
	return false
}

func CategoryOf(kind Kind) Category {
	switch kind {
	case KindStatus:
		return CategoryLocation
	case KindTask:
		return CategoryTask
	case KindNote:
		return CategoryNote
	case KindVoice:
		return CategoryVoice
	}
	return CategoryAll
}

// FeedFilter selects a subset of the feed. Zero values mean "no filter".
type FeedFilter struct {
	GroupID  string   `json:"groupId,omitempty"`
	Category Category `json:"category,omitempty"`
	Query    string   `json:"query,omitempty"`
}

func (f FeedFilter) Matches(item FeedItem) bool {
	return f.matches(item, fold(strings.TrimSpace(f.Query)))
}

func (f FeedFilter) matches(item FeedItem, foldedQuery string) bool {
	if f.GroupID != "" && item.GroupID != f.GroupID {
		return false
	}
	if !f.Category.Matches(item.Kind) {
		return false
	}
	if foldedQuery == "" {
		return true
	}
	if item.Record != nil && strings.Contains(fold(item.Record.SearchText()), foldedQuery) {
		return true
	}
	return strings.Contains(fold(item.AuthorName), foldedQuery)
}

// Apply returns the items matching every dimension of f, in feed order.
func Apply(items []FeedItem, f FeedFilter) []FeedItem {
	q := fold(strings.TrimSpace(f.Query))
	out := make([]FeedItem, 0, len(items))
	for _, item := range items {
		if f.matches(item, q) {
			out = append(out, item)
		}
	}
	return out
}

func fold(s string) string {
	if s == "" {
		return ""
	}
	return cases.Fold().String(s)
}
