package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// Params holds 1-indexed page parameters extracted from a request.
type Params struct {
	Page     int
	PageSize int
}

// FromContext reads page and page_size from the query string. Missing or
// invalid values fall back to page 1 and DefaultPageSize.
func FromContext(c echo.Context) Params {
	page, _ := strconv.Atoi(c.QueryParam("page"))
	size, _ := strconv.Atoi(c.QueryParam("page_size"))
	return New(page, size)
}

// New clamps page and size into range.
func New(page, size int) Params {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return Params{Page: page, PageSize: size}
}

// Limit returns the SQL LIMIT for the page.
func (p Params) Limit() int { return p.PageSize }

// Offset returns the SQL OFFSET for the page.
func (p Params) Offset() int { return (p.Page - 1) * p.PageSize }

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Page*p.PageSize < total
}

// HasPrevious returns true if the current page is not the first.
func (p Params) HasPrevious() bool {
	return p.Page > 1
}

// Response wraps a paginated API response.
type Response struct {
	Count    int         `json:"count"`
	Next     bool        `json:"next"`
	Previous bool        `json:"previous"`
	Results  interface{} `json:"results"`
}

func NewResponse(results interface{}, total int, p Params) *Response {
	return &Response{
		Count:    total,
		Next:     p.HasNext(total),
		Previous: p.HasPrevious(),
		Results:  results,
	}
}
