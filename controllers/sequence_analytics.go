package controller

import (
	"sort"

	"github.com/gofiber/fiber/v2"

	"cadence/models"
	"cadence/utils"
)

// Analytics aggregate over the append-only execution log and the
// engagement event stream. Everything is computed on read; nothing here
// mutates engine state.

type funnelStage struct {
	Stage          string  `json:"stage"`
	Count          int64   `json:"count"`
	PercentOfTotal float64 `json:"percent_of_total"`
	Conversion     float64 `json:"conversion_from_previous"`
}

// GetSequenceFunnel computes the engagement funnel:
// enrolled → contacted → opened → replied → qualified. Each stage counts
// distinct enrollments, so a lead opening five times still counts once.
func (sc *SequenceController) GetSequenceFunnel(c *fiber.Ctx) error {
	sequence, err := sc.loadSequence(c, false)
	if err != nil {
		return sc.respondLoadError(c, err)
	}

	var enrolled int64
	if err := sc.DB.Model(&models.Enrollment{}).
		Where("sequence_id = ?", sequence.ID).Count(&enrolled).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to compute funnel", nil)
	}

	var contacted int64
	err = sc.DB.Table("step_execution_records").
		Joins("JOIN enrollments ON enrollments.id = step_execution_records.enrollment_id").
		Where("enrollments.sequence_id = ? AND step_execution_records.email_sent = ?", sequence.ID, true).
		Distinct("step_execution_records.enrollment_id").
		Count(&contacted).Error
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to compute funnel", nil)
	}

	countEngaged := func(eventType string) (int64, error) {
		var n int64
		err := sc.DB.Model(&models.EngagementEvent{}).
			Where("sequence_id = ? AND event_type = ?", sequence.ID, eventType).
			Distinct("enrollment_id").
			Count(&n).Error
		return n, err
	}

	opened, err := countEngaged(models.EventOpened)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to compute funnel", nil)
	}
	replied, err := countEngaged(models.EventReplied)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to compute funnel", nil)
	}

	var qualified int64
	err = sc.DB.Table("enrollments").
		Joins("JOIN leads ON leads.id = enrollments.lead_id").
		Where("enrollments.sequence_id = ? AND leads.is_qualified = ?", sequence.ID, true).
		Count(&qualified).Error
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to compute funnel", nil)
	}

	stages := []funnelStage{
		{Stage: "enrolled", Count: enrolled},
		{Stage: "contacted", Count: contacted},
		{Stage: "opened", Count: opened},
		{Stage: "replied", Count: replied},
		{Stage: "qualified", Count: qualified},
	}
	for i := range stages {
		if enrolled > 0 {
			stages[i].PercentOfTotal = round2(float64(stages[i].Count) / float64(enrolled) * 100)
		}
		if i == 0 {
			stages[i].Conversion = 100
		} else if stages[i-1].Count > 0 {
			stages[i].Conversion = round2(float64(stages[i].Count) / float64(stages[i-1].Count) * 100)
		}
	}

	return c.JSON(fiber.Map{
		"sequence_id": sequence.ID,
		"funnel":      stages,
	})
}

type dailyPoint struct {
	Date      string  `json:"date"`
	Sent      int64   `json:"sent"`
	Opened    int64   `json:"opened"`
	Replied   int64   `json:"replied"`
	OpenRate  float64 `json:"open_rate"`
	ReplyRate float64 `json:"reply_rate"`
}

// GetSequenceTimeSeries returns per-day send and engagement counts plus
// derived rates. The best day is the day with the highest reply rate among
// days that actually sent something.
func (sc *SequenceController) GetSequenceTimeSeries(c *fiber.Ctx) error {
	sequence, err := sc.loadSequence(c, false)
	if err != nil {
		return sc.respondLoadError(c, err)
	}

	// DATE() works on both postgres and sqlite.
	var sentRows []struct {
		Day   string
		Count int64
	}
	err = sc.DB.Table("step_execution_records").
		Select("DATE(step_execution_records.executed_at) as day, COUNT(*) as count").
		Joins("JOIN enrollments ON enrollments.id = step_execution_records.enrollment_id").
		Where("enrollments.sequence_id = ? AND step_execution_records.email_sent = ?", sequence.ID, true).
		Group("DATE(step_execution_records.executed_at)").
		Scan(&sentRows).Error
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to compute time series", nil)
	}

	var eventRows []struct {
		Day       string
		EventType string
		Count     int64
	}
	err = sc.DB.Model(&models.EngagementEvent{}).
		Select("DATE(occurred_at) as day, event_type, COUNT(*) as count").
		Where("sequence_id = ? AND event_type IN ?", sequence.ID,
			[]string{models.EventOpened, models.EventReplied}).
		Group("DATE(occurred_at), event_type").
		Scan(&eventRows).Error
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to compute time series", nil)
	}

	byDay := map[string]*dailyPoint{}
	point := func(day string) *dailyPoint {
		if p, ok := byDay[day]; ok {
			return p
		}
		p := &dailyPoint{Date: day}
		byDay[day] = p
		return p
	}
	for _, row := range sentRows {
		point(row.Day).Sent = row.Count
	}
	for _, row := range eventRows {
		p := point(row.Day)
		switch row.EventType {
		case models.EventOpened:
			p.Opened = row.Count
		case models.EventReplied:
			p.Replied = row.Count
		}
	}

	series := make([]dailyPoint, 0, len(byDay))
	for _, p := range byDay {
		if p.Sent > 0 {
			p.OpenRate = round2(float64(p.Opened) / float64(p.Sent) * 100)
			p.ReplyRate = round2(float64(p.Replied) / float64(p.Sent) * 100)
		}
		series = append(series, *p)
	}
	sort.Slice(series, func(i, j int) bool { return series[i].Date < series[j].Date })

	var bestDay *dailyPoint
	for i := range series {
		if series[i].Sent == 0 {
			continue
		}
		if bestDay == nil || series[i].ReplyRate > bestDay.ReplyRate {
			bestDay = &series[i]
		}
	}

	resp := fiber.Map{
		"sequence_id": sequence.ID,
		"series":      series,
	}
	if bestDay != nil {
		resp["best_day"] = bestDay
	}
	return c.JSON(resp)
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
