package pulse

import "time"

type FeedStats struct {
	Total          int              `json:"total"`
	ByCategory     map[Category]int `json:"byCategory"`
	Today          int              `json:"today"`
	MostActiveUser string           `json:"mostActiveUser,omitempty"`
	MostActiveName string           `json:"mostActiveName,omitempty"`
	MostActiveN    int              `json:"mostActiveCount,omitempty"`
}

func ComputeStats(items []FeedItem, now time.Time, dir *Directory) FeedStats {
	stats := FeedStats{
		Total:      len(items),
		ByCategory: CountByCategory(items),
		Today:      TodayCount(items, now),
	}
	if userID, n, ok := MostActiveUser(items); ok {
		stats.MostActiveUser = userID
		stats.MostActiveName = dir.Lookup(userID).DisplayName
		stats.MostActiveN = n
	}
	return stats
}

// CountByCategory counts items per category; CategoryAll holds the total.
func CountByCategory(items []FeedItem) map[Category]int {
	counts := make(map[Category]int, len(Categories))
	for _, c := range Categories {
		counts[c] = 0
	}
	for _, item := range items {
		counts[CategoryOf(item.Kind)]++
	}
	counts[CategoryAll] = len(items)
	return counts
}

// TodayCount counts items whose display timestamp falls on now's calendar
// day in now's location.
func TodayCount(items []FeedItem, now time.Time) int {
	loc := now.Location()
	y, m, d := now.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1)
	n := 0
	for _, item := range items {
		ts := item.Timestamp.In(loc)
		if !ts.Before(start) && ts.Before(end) {
			n++
		}
	}
	return n
}

// MostActiveUser returns the author with the most items. Ties go to the
// smallest user id.
func MostActiveUser(items []FeedItem) (string, int, bool) {
	counts := make(map[string]int)
	for _, item := range items {
		if item.UserID != "" {
			counts[item.UserID]++
		}
	}
	best, bestN := "", 0
	for userID, n := range counts {
		if n > bestN || (n == bestN && userID < best) {
			best, bestN = userID, n
		}
	}
	return best, bestN, bestN > 0
}

func ItemsForUser(items []FeedItem, userID string) []FeedItem {
	out := make([]FeedItem, 0)
	for _, item := range items {
		if item.UserID == userID {
			out = append(out, item)
		}
	}
	return out
}
