package scheduler

import (
	"fmt"

	"github.com/hitoshi/teamsync/internal/model"
)

// DefaultTotalSlots は1日の同期ウィンドウを1分刻みに分けたスロット数（6時間分）。
const DefaultTotalSlots = 360

// AssignSlots は並び順に従って各チームへスロットを割り当てる。
// slot = index mod totalSlots。同じ並びなら再起動しても同じ結果になる。
func AssignSlots(teams []*model.Team, totalSlots int) map[int64]int {
	if totalSlots <= 0 {
		totalSlots = DefaultTotalSlots
	}
	slots := make(map[int64]int, len(teams))
	for i, t := range teams {
		slots[t.ID] = i % totalSlots
	}
	return slots
}

// SlotTime はスロットを時刻に変換する。時はstartHourから数え、24時を超えた分は翌日側に回り込む。
func SlotTime(slot, startHour int) (hour, minute int) {
	return (startHour + slot/60) % 24, slot % 60
}

// CronSpec はスロットに対応する毎日実行のcron式（分 時 日 月 曜日）を返す。
func CronSpec(slot, startHour int) string {
	h, m := SlotTime(slot, startHour)
	return fmt.Sprintf("%d %d * * *", m, h)
}

// slotOccupancy はスロットごとの割り当てチーム数を返す。
func slotOccupancy(slots map[int64]int) map[int]int {
	occ := make(map[int]int)
	for _, s := range slots {
		occ[s]++
	}
	return occ
}
