package syncer

import (
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/teamsync/internal/integration"
)

// ErrInvalidMonth はYYYY-MM形式でない月が指定された場合のエラー。
var ErrInvalidMonth = errors.New("invalid month")

// MonthLayout は月キーの書式。
const MonthLayout = "2006-01"

// Window は1か月分の取得対象期間。
type Window struct {
	Month string
	Range integration.DateRange
}

// ParseMonth はYYYY-MM形式の月をその月の1日0時(UTC)として返す。
func ParseMonth(month string) (time.Time, error) {
	t, err := time.Parse(MonthLayout, month)
	if err != nil || t.Format(MonthLayout) != month {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidMonth, month)
	}
	return t, nil
}

// CurrentMonth はnowの属する月をYYYY-MM形式で返す。
func CurrentMonth(now time.Time) string {
	return now.UTC().Format(MonthLayout)
}

// MonthWindows はstartから過去に向かってn か月分の期間を新しい順に返す。
// 各期間は月初日から月末日まで（両端を含む）。
func MonthWindows(start time.Time, n int) []Window {
	first := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
	windows := make([]Window, 0, n)
	for i := 0; i < n; i++ {
		monthStart := first.AddDate(0, -i, 0)
		monthEnd := monthStart.AddDate(0, 1, -1)
		windows = append(windows, Window{
			Month: monthStart.Format(MonthLayout),
			Range: integration.DateRange{Start: monthStart, End: monthEnd},
		})
	}
	return windows
}
