package research

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ExtractTables renders each non-empty <table> in doc as a markdown table.
// Duplicates are dropped.
func ExtractTables(doc *goquery.Document) []string {
	var tables []string
	seen := map[string]struct{}{}
	doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		title := normalizeText(table.Find("caption").First().Text())
		if title == "" {
			title = precedingHeading(table)
		}
		markdown := TableMarkdown(table, title)
		if markdown == "" {
			return
		}
		if _, dup := seen[markdown]; dup {
			return
		}
		seen[markdown] = struct{}{}
		tables = append(tables, markdown)
	})
	return tables
}

func TableMarkdown(table *goquery.Selection, title string) string {
	var header []string
	var rows [][]string
	table.Find("tr").Each(func(i int, tr *goquery.Selection) {
		// Skip rows that belong to a nested table.
		if tr.Closest("table").Get(0) != table.Get(0) {
			return
		}
		cells := tr.ChildrenFiltered("th, td")
		values := make([]string, 0, cells.Length())
		cells.Each(func(_ int, cell *goquery.Selection) {
			values = append(values, cellText(cell))
		})
		if !anyNonEmpty(values) {
			return
		}
		if header == nil && len(rows) == 0 && tr.ChildrenFiltered("th").Length() > 0 {
			header = values
			return
		}
		rows = append(rows, values)
	})

	if header == nil && len(rows) > 0 {
		header, rows = rows[0], rows[1:]
	}
	if len(header) == 0 {
		return ""
	}
	width := len(header)
	hasData := false
	for i, row := range rows {
		switch {
		case len(row) < width:
			row = append(row, make([]string, width-len(row))...)
		case len(row) > width:
			row = row[:width]
		}
		rows[i] = row
		if anyNonEmpty(row) {
			hasData = true
		}
	}
	if !hasData {
		return ""
	}

	var b strings.Builder
	if title != "" {
		fmt.Fprintf(&b, "**%s**\n\n", title)
	}
	writeRow(&b, header)
	separator := make([]string, width)
	for i := range separator {
		separator[i] = "---"
	}
	writeRow(&b, separator)
	for _, row := range rows {
		writeRow(&b, row)
	}
	return strings.TrimRight(b.String(), "\n")
}

func cellText(cell *goquery.Selection) string {
	if alt, ok := cell.Find("img").First().Attr("alt"); ok && strings.TrimSpace(alt) != "" {
		return normalizeText(alt)
	}
	for _, attr := range []string{"aria-label", "data-value", "data-text", "title"} {
		if value, ok := cell.Attr(attr); ok && strings.TrimSpace(value) != "" {
			return normalizeText(value)
		}
	}
	return normalizeText(cell.Text())
}

func precedingHeading(table *goquery.Selection) string {
	prev := table.Prev()
	for i := 0; i < 5 && prev.Length() > 0; i++ {
		switch goquery.NodeName(prev) {
		case "h1", "h2", "h3", "h4", "h5", "h6":
			return normalizeText(prev.Text())
		}
		prev = prev.Prev()
	}
	return ""
}

func writeRow(b *strings.Builder, cells []string) {
	escaped := make([]string, len(cells))
	for i, cell := range cells {
		escaped[i] = strings.ReplaceAll(cell, "|", `\|`)
	}
	b.WriteString("| ")
	b.WriteString(strings.Join(escaped, " | "))
	b.WriteString(" |\n")
}

func normalizeText(value string) string {
	return strings.Join(strings.Fields(value), " ")
}

func anyNonEmpty(values []string) bool {
	for _, value := range values {
		if value != "" {
			return true
		}
	}
	return false
}
