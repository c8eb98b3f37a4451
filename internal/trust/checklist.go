package trust

import (
	"fmt"
	"strings"
)

// SeedHandoverChecklist builds the step 6 checklist. Two of the five items
// echo what the agent disclosed during the viewing step.
func SeedHandoverChecklist(risks *RiskDisclosure) []ChecklistItem {
	var leak, wall string
	if risks == nil {
		leak, wall = "未填寫", "未填寫"
	} else {
		leak, wall = disclosed(risks.WaterLeak), disclosed(risks.WallCancer)
	}
	return []ChecklistItem{
		{Label: "水電瓦斯功能正常"},
		{Label: "門窗與鎖具完好"},
		{Label: fmt.Sprintf("漏水狀況與帶看紀錄相符（帶看揭露：%s）", leak)},
		{Label: fmt.Sprintf("壁癌狀況與帶看紀錄相符（帶看揭露：%s）", wall)},
		{Label: "鑰匙、磁卡與遙控器點交完成"},
	}
}

func disclosed(b bool) string {
	if b {
		return "有"
	}
	return "無"
}

// RenderChecklist formats a checklist as one line per item.
func RenderChecklist(items []ChecklistItem) string {
	var sb strings.Builder
	for i, item := range items {
		mark := " "
		if item.Checked {
			mark = "x"
		}
		fmt.Fprintf(&sb, "%d. [%s] %s\n", i+1, mark, item.Label)
	}
	return sb.String()
}
