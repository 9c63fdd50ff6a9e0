package table

// Pagination bounds. Out-of-range inputs are clamped, never rejected.
const (
	MinPageSize = 1
	MaxPageSize = 500
)

// Page is a projected slice of a table with pagination metadata.
type Page struct {
	Data         *Table `json:"data"`
	CurrentPage  int    `json:"current_page"`
	TotalPages   int    `json:"total_pages"`
	TotalRecords int    `json:"total_records"`
}

// Paginate projects t onto the requested (page, pageSize) window.
// total_pages is at least 1 even for an empty table, and slicing is stable:
// identical inputs always yield identical output.
func Paginate(t *Table, page, pageSize int) *Page {
	if page < 1 {
		page = 1
	}
	if pageSize < MinPageSize {
		pageSize = MinPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	total := t.Len()
	totalPages := (total + pageSize - 1) / pageSize
	if totalPages < 1 {
		totalPages = 1
	}
	if page > totalPages {
		page = totalPages
	}

	from := (page - 1) * pageSize
	to := from + pageSize

	return &Page{
		Data:         t.Slice(from, to),
		CurrentPage:  page,
		TotalPages:   totalPages,
		TotalRecords: total,
	}
}
