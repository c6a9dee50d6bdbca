package wakeplans

import (
	"context"
	"fmt"
	"io"
	"time"

	ics "github.com/arran4/golang-ical"

	"kioskadmin/internal/auth"
	"kioskadmin/internal/models"
)

// floatingTime is a DATE-TIME without zone: opening hours are local time.
const floatingTime = "20060102T150405"

// ExportEventsICS writes the site's change events as an iCalendar feed.
// CLOSED events are all-day entries; ALTERED_HOURS events repeat daily
// over their date range with the altered hours.
func (s *Service) ExportEventsICS(ctx context.Context, ac auth.Context, siteID uint, w io.Writer) error {
	tx := s.db.WithContext(ctx)
	site, err := s.site(tx, ac, siteID)
	if err != nil {
		return err
	}
	var events []models.WakeChangeEvent
	if err := tx.Where("site_id = ?", site.ID).Order("date_start, name, id").Find(&events).Error; err != nil {
		return err
	}

	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId("-//kioskadmin//wake change events//DA")
	stamp := s.clock.Now().UTC()
	for _, e := range events {
		win := WindowOf(e)
		ev := cal.AddEvent(fmt.Sprintf("wake-change-event-%d@%s", e.ID, site.UID))
		ev.SetDtStampTime(stamp)
		ev.SetSummary(e.Name)
		if win.Closed || !hoursEvent(e) {
			ev.SetAllDayStartAt(win.Start)
			// DTEND of an all-day entry is exclusive.
			ev.SetAllDayEndAt(win.End.AddDate(0, 0, 1))
			if win.Closed {
				ev.SetDescription("Closed")
			}
			continue
		}
		days := int(win.End.Sub(win.Start).Hours()/24) + 1
		ev.SetProperty(ics.ComponentPropertyDtStart, win.Start.Add(time.Duration(*e.TimeStart)).Format(floatingTime))
		ev.SetProperty(ics.ComponentPropertyDtEnd, win.Start.Add(time.Duration(*e.TimeEnd)).Format(floatingTime))
		if days > 1 {
			ev.SetProperty(ics.ComponentPropertyRrule, fmt.Sprintf("FREQ=DAILY;COUNT=%d", days))
		}
		ev.SetDescription(fmt.Sprintf("Altered hours %s-%s", win.TimeStart, win.TimeEnd))
	}
	_, err = io.WriteString(w, cal.Serialize())
	return err
}

// hoursEvent reports whether e carries a usable opening window.
func hoursEvent(e models.WakeChangeEvent) bool {
	return e.TimeStart != nil && e.TimeEnd != nil && *e.TimeEnd > *e.TimeStart
}
