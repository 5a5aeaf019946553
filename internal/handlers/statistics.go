package handlers

import (
	"sort"

	"taxweb/internal/models"
	"taxweb/internal/views"
)

// StatusItem is one declaration status with its share of the total.
type StatusItem struct {
	Status     string
	Count      int
	Income     float64
	Percentage float64
}

// DeclarationStats summarizes the declarations on the user panel.
type DeclarationStats struct {
	Count           int
	TotalIncome     float64
	TotalDeductions float64
	LatestYear      int
	Statuses        []StatusItem
}

// DashboardViewModel is the data passed to the dashboard template.
type DashboardViewModel struct {
	views.DeclarationListView
	Stats DeclarationStats
}

func summarize(items []models.Declaration) DeclarationStats {
	stats := DeclarationStats{Count: len(items)}
	byStatus := make(map[string]*StatusItem)
	for _, d := range items {
		stats.TotalIncome += d.TotalIncome
		stats.TotalDeductions += d.Deductions
		if d.FiscalYear > stats.LatestYear {
			stats.LatestYear = d.FiscalYear
		}
		item, ok := byStatus[d.Status]
		if !ok {
			item = &StatusItem{Status: d.Status}
			byStatus[d.Status] = item
		}
		item.Count++
		item.Income += d.TotalIncome
	}

	stats.Statuses = make([]StatusItem, 0, len(byStatus))
	for _, item := range byStatus {
		if stats.Count > 0 {
			item.Percentage = float64(item.Count) / float64(stats.Count) * 100
		}
		stats.Statuses = append(stats.Statuses, *item)
	}
	sort.Slice(stats.Statuses, func(i, j int) bool {
		if stats.Statuses[i].Count != stats.Statuses[j].Count {
			return stats.Statuses[i].Count > stats.Statuses[j].Count
		}
		return stats.Statuses[i].Status < stats.Statuses[j].Status
	})
	return stats
}
